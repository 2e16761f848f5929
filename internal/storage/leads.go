package storage

import (
	"encoding/json"
	"fmt"

	"ecg-diagnosis/internal/signal"

	"go.etcd.io/bbolt"
)

// StoreLeads stores the lead signals a record was computed from.
func (s *Store) StoreLeads(id string, leads []signal.LeadSignal) error {
	data, err := json.Marshal(leads)
	if err != nil {
		return fmt.Errorf("marshal leads: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(leadsBucket)).Put([]byte(id), data)
	})
}

// GetLeads returns every stored lead of a record.
func (s *Store) GetLeads(id string) ([]signal.LeadSignal, error) {
	var leads []signal.LeadSignal
	err := s.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(leadsBucket)).Get([]byte(id))
		if data == nil {
			return ErrNotFound
		}
		return json.Unmarshal(data, &leads)
	})
	if err != nil {
		return nil, err
	}
	return leads, nil
}

// GetLead returns one named lead of a record.
func (s *Store) GetLead(id, name string) (signal.LeadSignal, error) {
	leads, err := s.GetLeads(id)
	if err != nil {
		return signal.LeadSignal{}, err
	}
	for _, l := range leads {
		if l.Name == name {
			return l, nil
		}
	}
	return signal.LeadSignal{}, fmt.Errorf("lead %s of record %s: %w", name, id, ErrNotFound)
}
