package rpc

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"connectrpc.com/connect"

	"cmdforge/internal/registry"
	"cmdforge/internal/service"
	"cmdforge/internal/types"
)

// errorKindHeader carries the error taxonomy kind next to the connect code
// so clients can restore the exact sentinel.
const errorKindHeader = "Cmdforge-Error-Kind"

var sentinels = []struct {
	err  error
	kind types.Kind
	code connect.Code
}{
	{registry.ErrVersionNotFound, types.KindVersionNotFound, connect.CodeNotFound},
	{registry.ErrNotFound, types.KindNotFound, connect.CodeNotFound},
	{registry.ErrAlreadyRegistered, types.KindAlreadyRegistered, connect.CodeAlreadyExists},
	{registry.ErrChecksumMismatch, types.KindChecksumMismatch, connect.CodeDataLoss},
	{registry.ErrNotAccepted, "", connect.CodeFailedPrecondition},
	{service.ErrRescanFailed, "", connect.CodeFailedPrecondition},
	{service.ErrUnsupportedLanguage, "", connect.CodeInvalidArgument},
	{service.ErrQueueFull, "", connect.CodeResourceExhausted},
	{service.ErrClosed, "", connect.CodeUnavailable},
}

func toRPCError(err error) error {
	if err == nil {
		return nil
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			cerr := connect.NewError(s.code, err)
			if s.kind != "" {
				cerr.Meta().Set(errorKindHeader, string(s.kind))
			}
			return cerr
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)
	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)
	}
	var ie *types.InternalError
	if errors.As(err, &ie) {
		cerr := connect.NewError(connect.CodeInternal, err)
		cerr.Meta().Set(errorKindHeader, string(types.KindInternal))
		return cerr
	}
	if strings.Contains(strings.ToLower(err.Error()), "required") {
		return connect.NewError(connect.CodeInvalidArgument, err)
	}
	return connect.NewError(connect.CodeInternal, fmt.Errorf("cmdforge service failed: %w", err))
}

// FromRPCError maps a connect error back onto the registry sentinels.
func FromRPCError(err error) error {
	var cerr *connect.Error
	if !errors.As(err, &cerr) {
		return err
	}
	kind := types.Kind(cerr.Meta().Get(errorKindHeader))
	for _, s := range sentinels {
		if s.kind != "" && s.kind == kind {
			return wrapSentinel(s.err, cerr.Message())
		}
	}
	if cerr.Code() == connect.CodeNotFound {
		return wrapSentinel(registry.ErrNotFound, cerr.Message())
	}
	return err
}

func wrapSentinel(sentinel error, msg string) error {
	if msg == "" || msg == sentinel.Error() {
		return sentinel
	}
	return fmt.Errorf("%s: %w", strings.TrimSuffix(msg, ": "+sentinel.Error()), sentinel)
}
