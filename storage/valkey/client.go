package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/voicehub/smarthome-oauth/storage"
)

// SaveClient creates or replaces a client and adds it to the id set.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "save_client")
	defer func() { done(err) }()

	if client == nil || client.ClientID == "" {
		return fmt.Errorf("client id is required")
	}

	data, err := json.Marshal(toClientJSON(client))
	if err != nil {
		return fmt.Errorf("failed to marshal client: %w", err)
	}

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Set().Key(s.clientKey(client.ClientID)).Value(string(data)).Build(),
		s.client.B().Sadd().Key(s.clientsKey()).Member(client.ClientID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to save client: %w", err)
		}
	}

	s.logger.Debug("Saved client", "client_id", client.ClientID)
	return nil
}

// GetClient returns ErrClientNotFound for unknown ids.
func (s *Store) GetClient(ctx context.Context, clientID string) (_ *storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "get_client")
	defer func() { done(err) }()

	data, err := s.client.Do(ctx, s.client.B().Get().Key(s.clientKey(clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, storage.ErrClientNotFound
		}
		return nil, fmt.Errorf("failed to get client: %w", err)
	}

	var j clientJSON
	if err := json.Unmarshal([]byte(data), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal client: %w", err)
	}
	return fromClientJSON(&j), nil
}

// ListClients returns all clients ordered by id.
func (s *Store) ListClients(ctx context.Context) (_ []*storage.Client, err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "list_clients")
	defer func() { done(err) }()

	ids, err := s.client.Do(ctx, s.client.B().Smembers().Key(s.clientsKey()).Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list clients: %w", err)
	}
	slices.Sort(ids)

	clients := make([]*storage.Client, 0, len(ids))
	for _, id := range ids {
		c, err := s.GetClient(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrClientNotFound) {
				continue
			}
			return nil, err
		}
		clients = append(clients, c)
	}
	return clients, nil
}

// DeleteClient removes a client and its id set entry.
func (s *Store) DeleteClient(ctx context.Context, clientID string) (err error) {
	ctx, done := s.instrumentation.StartStorageOperation(ctx, backendName, "delete_client")
	defer func() { done(err) }()

	for _, resp := range s.client.DoMulti(ctx,
		s.client.B().Del().Key(s.clientKey(clientID)).Build(),
		s.client.B().Srem().Key(s.clientsKey()).Member(clientID).Build(),
	) {
		if err := resp.Error(); err != nil {
			return fmt.Errorf("failed to delete client: %w", err)
		}
	}
	return nil
}
