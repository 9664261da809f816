// Package lifecycle reconciles broadcast start and stop signals arriving from
// the ingestion edge and from the control-plane API. Both paths funnel into
// the same conditional store operations, so the per-account live state stays
// consistent no matter which side reports first.
package lifecycle

import (
	"context"
	"errors"
	"log/slog"

	"streamhub/internal/models"
	"streamhub/internal/observability/logging"
	"streamhub/internal/observability/metrics"
	"streamhub/internal/storage"
)

// Reason categorizes why an operation was refused or reduced to a no-op.
type Reason string

const (
	ReasonNone              Reason = ""
	ReasonInvalidCredential Reason = "invalid_credential"
	ReasonUnknownAccount    Reason = "unknown_account"
	ReasonNotBroadcaster    Reason = "not_broadcaster"
	ReasonAlreadyLive       Reason = "already_live"
	ReasonNotLive           Reason = "not_live"
	ReasonInvalidTitle      Reason = "invalid_title"
	ReasonUnavailable       Reason = "store_unavailable"
)

// Outcome reports the result of a lifecycle operation. Accepted means the
// requested state now holds; NoOp marks accepted operations that changed
// nothing, such as stopping an account that was already offline. Err is set
// only when the store could not answer, in which case the state is unknown
// and the caller must fail closed.
type Outcome struct {
	Accepted bool
	NoOp     bool
	Reason   Reason
	Session  models.Session
	Err      error
}

// Coordinator applies lifecycle transitions against the repository and logs
// each decision. Stream metrics are recorded here so counts stay consistent
// no matter which adapter started or ended a session.
type Coordinator struct {
	store  storage.Repository
	logger *slog.Logger

	Recorder *metrics.Recorder
}

func New(store storage.Repository, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{store: store, logger: logging.WithComponent(logger, "lifecycle")}
}

// BeginByCredential admits a broadcast attempt authenticated by its broadcast
// credential, as presented by the ingestion edge. Unknown or retired
// credentials are refused without revealing whether the credential ever
// existed.
func (c *Coordinator) BeginByCredential(ctx context.Context, credential, title string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	account, ok := c.store.ResolveCredential(credential)
	if !ok {
		logger.Warn("broadcast attempt with unresolvable credential")
		return Outcome{Reason: ReasonInvalidCredential}
	}
	return c.begin(ctx, account, title)
}

// BeginByAccount starts a broadcast on behalf of an authenticated control
// plane caller.
func (c *Coordinator) BeginByAccount(ctx context.Context, accountID, title string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	account, ok := c.store.GetAccount(accountID)
	if !ok {
		logger.Warn("broadcast attempt for unknown account", "account_id", accountID)
		return Outcome{Reason: ReasonUnknownAccount}
	}
	return c.begin(ctx, account, title)
}

func (c *Coordinator) begin(ctx context.Context, account models.Account, title string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	if !account.Broadcaster {
		logger.Warn("broadcast attempt by non-broadcaster", "account_id", account.ID)
		return Outcome{Reason: ReasonNotBroadcaster}
	}

	session, err := c.store.BeginLive(storage.BeginLiveParams{
		AccountID:          account.ID,
		CredentialSnapshot: account.BroadcastCredential,
		Title:              title,
	})
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAlreadyLive):
			logger.Warn("broadcast refused, account already live", "account_id", account.ID)
			return Outcome{Reason: ReasonAlreadyLive}
		default:
			return c.unavailable(ctx, "begin live", account.ID, err)
		}
	}

	logger.Info("live session started",
		"account_id", account.ID,
		"session_id", session.ID,
		"title", session.Title,
	)
	c.Recorder.StreamStarted()
	return Outcome{Accepted: true, Session: session}
}

// End stops whatever session is live for the account. Stopping an offline
// account is an accepted no-op so repeated stop requests stay idempotent.
func (c *Coordinator) End(ctx context.Context, accountID string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	if _, ok := c.store.GetAccount(accountID); !ok {
		return Outcome{Reason: ReasonUnknownAccount}
	}

	session, err := c.store.EndLive(accountID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotLive):
			logger.Info("stop requested while offline", "account_id", accountID)
			return Outcome{Accepted: true, NoOp: true, Reason: ReasonNotLive}
		default:
			return c.unavailable(ctx, "end live", accountID, err)
		}
	}

	logger.Info("live session ended", "account_id", accountID, "session_id", session.ID)
	c.Recorder.StreamStopped()
	return Outcome{Accepted: true, Session: session}
}

// EndSession stops the live session only when the given identifier still
// matches it. Stale identifiers from superseded broadcasts reduce to a no-op,
// which keeps late disconnect callbacks from killing a newer session.
func (c *Coordinator) EndSession(ctx context.Context, accountID, sessionID string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	session, err := c.store.EndLiveSession(accountID, sessionID)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotLive):
			logger.Info("stale session end ignored", "account_id", accountID, "session_id", sessionID)
			return Outcome{Accepted: true, NoOp: true, Reason: ReasonNotLive}
		default:
			return c.unavailable(ctx, "end session", accountID, err)
		}
	}

	logger.Info("live session ended", "account_id", accountID, "session_id", session.ID)
	c.Recorder.StreamStopped()
	return Outcome{Accepted: true, Session: session}
}

// EndByCredential stops the live session owned by the credential's account.
// Unknown credentials reduce to a refusal the caller may still treat as
// terminal, since there is nothing to stop.
func (c *Coordinator) EndByCredential(ctx context.Context, credential string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	account, ok := c.store.ResolveCredential(credential)
	if !ok {
		logger.Info("stop request with unresolvable credential")
		return Outcome{Reason: ReasonInvalidCredential}
	}
	return c.End(ctx, account.ID)
}

// UpdateTitle renames the account's live session.
func (c *Coordinator) UpdateTitle(ctx context.Context, accountID, title string) Outcome {
	logger := logging.WithContext(ctx, c.logger)

	if _, ok := c.store.GetAccount(accountID); !ok {
		return Outcome{Reason: ReasonUnknownAccount}
	}

	session, err := c.store.UpdateLiveTitle(accountID, title)
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotLive):
			return Outcome{Reason: ReasonNotLive}
		case errors.Is(err, storage.ErrInvalidTitle):
			logger.Warn("title update refused, blank title", "account_id", accountID)
			return Outcome{Reason: ReasonInvalidTitle}
		default:
			return c.unavailable(ctx, "update title", accountID, err)
		}
	}

	logger.Info("live session retitled", "account_id", accountID, "session_id", session.ID, "title", session.Title)
	return Outcome{Accepted: true, Session: session}
}

// unavailable covers store failures and any error the coordinator cannot
// classify. The account may or may not be live, so the caller must refuse
// rather than guess.
func (c *Coordinator) unavailable(ctx context.Context, op, accountID string, err error) Outcome {
	logging.WithContext(ctx, c.logger).Error("lifecycle operation failed",
		"operation", op,
		"account_id", accountID,
		"error", err,
	)
	return Outcome{Reason: ReasonUnavailable, Err: err}
}
