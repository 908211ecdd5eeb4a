package analytics

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/ClickHouse/clickhouse-go/v2"
)

// Sentinel errors for analytical store failures.
var (
	ErrAnalyticsUnreachable = errors.New("analytics store unreachable")
	ErrAnalyticsQuery       = errors.New("analytics query error")
	ErrAnalyticsTimeout     = errors.New("analytics query timeout")
)

// classifyError maps driver and transport errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrAnalyticsTimeout, err)
	}

	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		return fmt.Errorf("%w: %v", ErrAnalyticsQuery, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return fmt.Errorf("%w: %v", ErrAnalyticsTimeout, err)
		}
		return fmt.Errorf("%w: %v", ErrAnalyticsUnreachable, err)
	}

	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%w: %v", ErrAnalyticsUnreachable, err)
	}

	return fmt.Errorf("%w: %v", ErrAnalyticsQuery, err)
}
