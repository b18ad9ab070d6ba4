package services

import "snapmap/apperrors"

var (
	ErrNotFound           = apperrors.New(apperrors.CodeNotFound, "Not found")
	ErrTaskNotFound       = apperrors.New(apperrors.CodeNotFound, "Task not found")
	ErrResultNotFound     = apperrors.New(apperrors.CodeNotFound, "Result not found")
	ErrQuestNotFound      = apperrors.New(apperrors.CodeNotFound, "Quest not found")
	ErrInvalidArgument    = apperrors.New(apperrors.CodeInvalidArgument, "Invalid argument")
	ErrObjectNotFound     = apperrors.New(apperrors.CodeInvalidArgument, "Object not found in storage")
	ErrPreconditionFailed = apperrors.New(apperrors.CodePreconditionFailed, "Precondition failed")
	ErrInvalidTransition  = apperrors.New(apperrors.CodeInvalidTransition, "Invalid status transition")
	ErrQueueUnavailable   = apperrors.New(apperrors.CodeQueueUnavailable, "Verification queue is unavailable")
	ErrStoreUnavailable   = apperrors.New(apperrors.CodeStoreUnavailable, "Status store is unavailable")
	ErrForbidden          = apperrors.New(apperrors.CodeForbidden, "Access denied. Admin role required.")
)
