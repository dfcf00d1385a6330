package leaseerrors

import (
	"errors"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// ToStatus returns the grpc status carried by e, looking through wrapped errors
func ToStatus(e error) *status.Status {
	var se interface{ GRPCStatus() *status.Status }
	if !errors.As(e, &se) {
		return nil
	}
	return se.GRPCStatus()
}

// ToEtcdError converts a grpc error into the matching rpctypes error,
// anything else is returned as is
func ToEtcdError(e error) error {
	s := ToStatus(e)
	if s == nil {
		return e
	}
	return rpctypes.Error(s.Err())
}

func IsLeaseNotFound(e error) bool {
	if e == nil {
		return false
	}
	return ToEtcdError(e) == rpctypes.ErrLeaseNotFound
}

func IsLeaseExist(e error) bool {
	if e == nil {
		return false
	}
	return ToEtcdError(e) == rpctypes.ErrLeaseExist
}

func IsLeaseTTLTooLarge(e error) bool {
	if e == nil {
		return false
	}
	return ToEtcdError(e) == rpctypes.ErrLeaseTTLTooLarge
}

func IsUnavailable(e error) bool {
	s := ToStatus(e)
	if s == nil {
		return false
	}
	return s.Code() == codes.Unavailable
}

// IsRetryable reports failures worth retrying for unary calls: the
// authority was unreachable, had no leader, or the call timed out.
func IsRetryable(e error) bool {
	if e == nil {
		return false
	}
	if ToEtcdError(e) == rpctypes.ErrNoLeader {
		return true
	}

	s := ToStatus(e)
	if s == nil {
		return false
	}
	switch s.Code() {
	case codes.Unavailable, codes.DeadlineExceeded:
		return true
	default:
		return false
	}
}
