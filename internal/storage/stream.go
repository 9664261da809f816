package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"streamhub/internal/models"
)

// Streaming operations
//
// Accounts.IsLive and the live session row are co-written under the store
// lock and rolled back together on persist failure, so readers never observe
// one without the other.

// BeginLive transitions the account to live and records a new session. At
// most one caller wins for a given account; losers receive ErrAlreadyLive.
func (s *Storage) BeginLive(params BeginLiveParams) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.data.Accounts[params.AccountID]
	if !ok {
		return models.Session{}, fmt.Errorf("account %s not found", params.AccountID)
	}
	if account.IsLive {
		return models.Session{}, ErrAlreadyLive
	}

	id, err := generateID()
	if err != nil {
		return models.Session{}, err
	}

	title := strings.TrimSpace(params.Title)
	if title == "" {
		title = DefaultStreamTitle
	}

	session := models.Session{
		ID:                 id,
		AccountID:          account.ID,
		CredentialSnapshot: params.CredentialSnapshot,
		Title:              title,
		State:              models.SessionStateLive,
		StartedAt:          time.Now().UTC(),
	}

	s.data.Sessions[id] = session
	account.IsLive = true
	s.data.Accounts[account.ID] = account
	if err := s.persist(); err != nil {
		delete(s.data.Sessions, id)
		account.IsLive = false
		s.data.Accounts[account.ID] = account
		return models.Session{}, storeUnavailable(err)
	}

	return session, nil
}

// EndLive finalizes whatever session is currently live for the account.
// Ending an offline account returns ErrNotLive so callers can treat repeated
// stops as no-ops.
func (s *Storage) EndLive(accountID string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLiveLocked(accountID, "")
}

// EndLiveSession finalizes the live session only when its identifier still
// matches. A stale identifier from a superseded broadcast returns ErrNotLive
// and leaves the current session untouched.
func (s *Storage) EndLiveSession(accountID, sessionID string) (models.Session, error) {
	if sessionID == "" {
		return models.Session{}, errors.New("sessionID is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endLiveLocked(accountID, sessionID)
}

func (s *Storage) endLiveLocked(accountID, sessionID string) (models.Session, error) {
	account, ok := s.data.Accounts[accountID]
	if !ok {
		return models.Session{}, fmt.Errorf("account %s not found", accountID)
	}
	session, ok := s.currentSessionLocked(accountID)
	if !account.IsLive || !ok {
		return models.Session{}, ErrNotLive
	}
	if sessionID != "" && session.ID != sessionID {
		return models.Session{}, ErrNotLive
	}

	originalSession := session
	ended := time.Now().UTC()
	if ended.Before(session.StartedAt) {
		ended = session.StartedAt
	}
	session.State = models.SessionStateEnded
	session.EndedAt = &ended

	s.data.Sessions[session.ID] = session
	account.IsLive = false
	s.data.Accounts[accountID] = account
	if err := s.persist(); err != nil {
		s.data.Sessions[session.ID] = originalSession
		account.IsLive = true
		s.data.Accounts[accountID] = account
		return models.Session{}, storeUnavailable(err)
	}

	return session, nil
}

// UpdateLiveTitle renames the in-flight session. Only live sessions can be
// retitled; history keeps whatever title the session ended with.
func (s *Storage) UpdateLiveTitle(accountID, title string) (models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	trimmed := strings.TrimSpace(title)
	if trimmed == "" {
		return models.Session{}, ErrInvalidTitle
	}

	if _, ok := s.data.Accounts[accountID]; !ok {
		return models.Session{}, fmt.Errorf("account %s not found", accountID)
	}
	session, ok := s.currentSessionLocked(accountID)
	if !ok {
		return models.Session{}, ErrNotLive
	}

	originalSession := session
	session.Title = trimmed
	s.data.Sessions[session.ID] = session
	if err := s.persist(); err != nil {
		s.data.Sessions[session.ID] = originalSession
		return models.Session{}, storeUnavailable(err)
	}

	return session, nil
}

// CurrentSession returns the live session for the account if present.
func (s *Storage) CurrentSession(accountID string) (models.Session, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentSessionLocked(accountID)
}

func (s *Storage) currentSessionLocked(accountID string) (models.Session, bool) {
	for _, session := range s.data.Sessions {
		if session.AccountID == accountID && session.State == models.SessionStateLive {
			return session, true
		}
	}
	return models.Session{}, false
}

// ListSessions returns the account's broadcast history, most recent first.
func (s *Storage) ListSessions(accountID string) ([]models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.data.Accounts[accountID]; !ok {
		return nil, fmt.Errorf("account %s not found", accountID)
	}

	sessions := make([]models.Session, 0)
	for _, session := range s.data.Sessions {
		if session.AccountID == accountID {
			sessions = append(sessions, session)
		}
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// ListLive returns every live session joined with its owner's public fields,
// newest first. A non-empty query filters on title and display name.
func (s *Storage) ListLive(query string) []models.LiveListing {
	s.mu.RLock()
	defer s.mu.RUnlock()

	listings := make([]models.LiveListing, 0)
	for _, session := range s.data.Sessions {
		if session.State != models.SessionStateLive {
			continue
		}
		account, ok := s.data.Accounts[session.AccountID]
		if !ok {
			continue
		}
		listing := models.LiveListing{
			SessionID:   session.ID,
			AccountID:   account.ID,
			DisplayName: account.DisplayName,
			Title:       session.Title,
			StartedAt:   session.StartedAt,
		}
		if !matchesLiveQuery(listing, query) {
			continue
		}
		listings = append(listings, listing)
	}
	sort.Slice(listings, func(i, j int) bool {
		if listings[i].StartedAt.Equal(listings[j].StartedAt) {
			return listings[i].SessionID < listings[j].SessionID
		}
		return listings[i].StartedAt.After(listings[j].StartedAt)
	})
	return listings
}

func matchesLiveQuery(listing models.LiveListing, query string) bool {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return true
	}
	folder := cases.Fold()
	needle := folder.String(trimmed)
	return strings.Contains(folder.String(listing.Title), needle) ||
		strings.Contains(folder.String(listing.DisplayName), needle)
}
