package storage

import "streamhub/internal/models"

// Snapshot is a point-in-time export of the dataset, used to seed another
// backend during migration.
type Snapshot struct {
	Accounts map[string]models.Account `json:"accounts"`
	Sessions map[string]models.Session `json:"sessions"`
}

// Snapshot copies the current dataset.
func (s *Storage) Snapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	clone := cloneDataset(s.data)
	return &Snapshot{Accounts: clone.Accounts, Sessions: clone.Sessions}
}
