// Package errors defines the error taxonomy shared by the tenant context layer
// and the rules that classify raw transport and database errors into it.
package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind is the error class used to decide between retrying, stale-serving and surfacing
type Kind int

const (
	KindUnknown Kind = iota
	KindNetwork
	KindServer
	KindPermission
	KindValidation
	KindNotFound
	KindInternal
)

// String returns the kind name used in logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindNetwork:
		return "network"
	case KindServer:
		return "server"
	case KindPermission:
		return "permission"
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// sentinel lets callers match a kind with errors.Is
type sentinel Kind

func (s sentinel) Error() string {
	return Kind(s).String() + " error"
}

var (
	ErrNetwork    error = sentinel(KindNetwork)
	ErrServer     error = sentinel(KindServer)
	ErrPermission error = sentinel(KindPermission)
	ErrValidation error = sentinel(KindValidation)
	ErrNotFound   error = sentinel(KindNotFound)
	ErrInternal   error = sentinel(KindInternal)
)

// ErrAborted marks an operation that was cancelled or superseded by a newer one.
// It is not a failure and is never shown to users.
var ErrAborted = goerrors.New("operation aborted")

// Error is a classified error with the operation that produced it
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Cause   error
}

// Error implements the error interface
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Message != "" {
		b.WriteString(e.Message)
	} else {
		b.WriteString(e.Kind.String() + " error")
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches the kind sentinels
func (e *Error) Is(target error) bool {
	s, ok := target.(sentinel)
	return ok && Kind(s) == e.Kind
}

// GRPCStatus converts the error to a gRPC status
func (e *Error) GRPCStatus() *status.Status {
	return status.New(e.grpcCode(), e.Error())
}

func (e *Error) grpcCode() codes.Code {
	switch e.Kind {
	case KindNetwork:
		return codes.Unavailable
	case KindPermission:
		return codes.PermissionDenied
	case KindValidation:
		return codes.InvalidArgument
	case KindNotFound:
		return codes.NotFound
	default:
		return codes.Internal
	}
}

// New creates a classified error
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Cause: cause}
}

func Network(op, message string, cause error) *Error {
	return New(KindNetwork, op, message, cause)
}

func Server(op, message string, cause error) *Error {
	return New(KindServer, op, message, cause)
}

func Permission(op, message string, cause error) *Error {
	return New(KindPermission, op, message, cause)
}

func Validation(op, message string, cause error) *Error {
	return New(KindValidation, op, message, cause)
}

func NotFound(op, message string, cause error) *Error {
	return New(KindNotFound, op, message, cause)
}

// FromHTTPStatus classifies a failed HTTP response from the data service
func FromHTTPStatus(op string, code int, message string) *Error {
	switch {
	case code >= 500:
		return Server(op, message, nil)
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Permission(op, message, nil)
	case code == http.StatusNotFound:
		return NotFound(op, message, nil)
	case code == http.StatusTooManyRequests:
		return Server(op, message, nil)
	default:
		return Validation(op, message, nil)
	}
}

// Classify wraps err into an *Error carrying its kind.
// nil, ErrAborted and already classified errors are returned unchanged.
func Classify(op string, err error) error {
	if err == nil || IsAborted(err) {
		return err
	}
	var e *Error
	if goerrors.As(err, &e) {
		return err
	}
	return New(KindOf(err), op, "", err)
}

// KindOf reports the kind of err, classifying raw errors on the fly
func KindOf(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var e *Error
	if goerrors.As(err, &e) {
		return e.Kind
	}

	if goerrors.Is(err, context.DeadlineExceeded) {
		return KindNetwork
	}
	if goerrors.Is(err, context.Canceled) {
		return KindUnknown
	}

	var pgErr *pgconn.PgError
	if goerrors.As(err, &pgErr) {
		return kindOfSQLState(pgErr.Code)
	}
	var connErr *pgconn.ConnectError
	if goerrors.As(err, &connErr) || pgconn.Timeout(err) {
		return KindNetwork
	}

	if st, ok := status.FromError(err); ok && st.Code() != codes.OK {
		return kindOfGRPCCode(st.Code())
	}

	var netErr net.Error
	if goerrors.As(err, &netErr) {
		return KindNetwork
	}
	if goerrors.Is(err, io.EOF) || goerrors.Is(err, io.ErrUnexpectedEOF) {
		return KindNetwork
	}

	return KindUnknown
}

func kindOfGRPCCode(code codes.Code) Kind {
	switch code {
	case codes.Unavailable, codes.DeadlineExceeded:
		return KindNetwork
	case codes.Internal, codes.Unknown, codes.ResourceExhausted, codes.Aborted, codes.DataLoss:
		return KindServer
	case codes.PermissionDenied, codes.Unauthenticated:
		return KindPermission
	case codes.InvalidArgument, codes.FailedPrecondition, codes.OutOfRange:
		return KindValidation
	case codes.NotFound:
		return KindNotFound
	default:
		return KindUnknown
	}
}

func kindOfSQLState(code string) Kind {
	switch {
	case code == "42501":
		return KindPermission
	case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"):
		return KindNetwork
	case strings.HasPrefix(code, "22"), strings.HasPrefix(code, "23"):
		return KindValidation
	default:
		return KindServer
	}
}

// IsRetryable reports whether retrying err could succeed
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindNetwork, KindServer:
		return true
	default:
		return false
	}
}

// IsPermission reports whether err denies access
func IsPermission(err error) bool {
	return KindOf(err) == KindPermission
}

// IsAborted reports whether err stems from cancellation or supersession
func IsAborted(err error) bool {
	return goerrors.Is(err, ErrAborted)
}
