package store

import (
	"context"
	"fmt"
	"time"
)

// samplePatients is the demo roster loaded into an empty patients collection.
var samplePatients = []Document{
	{"name": "John Doe", "age": 45, "gender": "M", "contact": "john@example.com"},
	{"name": "Jane Smith", "age": 32, "gender": "F", "contact": "jane@example.com"},
	{"name": "Bob Wilson", "age": 58, "gender": "M", "contact": "bob@example.com"},
}

// SeedSamplePatients inserts the sample patients when the patients
// collection is empty and returns how many were inserted.
func SeedSamplePatients(ctx context.Context, s *SQLiteStore) (int, error) {
	n, err := s.Count(ctx, CollectionPatients)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		return 0, nil
	}
	now := time.Now().UTC().Format(time.RFC3339)
	for i, p := range samplePatients {
		doc := make(Document, len(p)+2)
		for k, v := range p {
			doc[k] = v
		}
		doc["created_at"] = now
		doc["updated_at"] = now
		if _, err := s.Insert(ctx, CollectionPatients, doc); err != nil {
			return i, fmt.Errorf("store: seed: %w", err)
		}
	}
	return len(samplePatients), nil
}
