/*Package sessions provides the session directory

The session directory maps a device ID to the broker endpoint the device is
currently attached to. Point-to-point delivery reads it; a connection tracker,
for example the session broker in package iot/mqtt, writes it.

A missing record is a valid state. It means the device is not reachable
point-to-point right now. Records are not locked on the client side, so a
device moving to another endpoint may race with a message routed to the old
one. Delivery is best effort.
*/
package sessions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/relabs-tech/actuation/core/csql"
)

// Directory looks up the endpoint of a device. found is false if the device
// has no session.
type Directory interface {
	ServerAddress(ctx context.Context, deviceID string) (address string, found bool, err error)
}

// Writer records and removes device sessions
type Writer interface {
	Put(ctx context.Context, deviceID, address string) error
	Remove(ctx context.Context, deviceID, address string) error
}

// Store is a session directory in a postgres database
type Store struct {
	db *csql.DB
}

// New creates a new session store for the specified database. The session
// table is created if it does not exist.
func New(db *csql.DB) *Store {
	_, err := db.Exec(`CREATE table IF NOT EXISTS ` + db.Schema + `."_session_"
(device_id varchar NOT NULL,
server_address varchar NOT NULL,
timestamp timestamp NOT NULL,
PRIMARY KEY(device_id)
);`)

	if err != nil {
		panic(err)
	}
	return &Store{db: db}
}

// ServerAddress returns the endpoint the device last connected through
func (s *Store) ServerAddress(ctx context.Context, deviceID string) (string, bool, error) {
	var address string
	err := s.db.QueryRowContext(ctx,
		`SELECT server_address FROM `+s.db.Schema+`."_session_" WHERE device_id=$1;`,
		deviceID).Scan(&address)
	if err == csql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cannot read session of device '%s': %w", deviceID, err)
	}
	return address, true, nil
}

// Put records that the device is attached to address
func (s *Store) Put(ctx context.Context, deviceID, address string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO `+s.db.Schema+`."_session_"(device_id,server_address,timestamp)
VALUES($1,$2,$3)
ON CONFLICT (device_id) DO UPDATE SET server_address=$2,timestamp=$3;`,
		deviceID, address, now)
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return fmt.Errorf("could not write session of device %s", deviceID)
	}
	return nil
}

// Remove removes the session of the device, but only if it still points to
// address. A device which already reconnected elsewhere keeps its new session.
func (s *Store) Remove(ctx context.Context, deviceID, address string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM `+s.db.Schema+`."_session_" WHERE device_id=$1 AND server_address=$2;`,
		deviceID, address)
	return err
}

// Memory is an in-process session directory for single node deployments
type Memory struct {
	mux      sync.RWMutex
	sessions map[string]string
}

// NewMemory returns an empty in-process session directory
func NewMemory() *Memory {
	return &Memory{sessions: make(map[string]string)}
}

// ServerAddress implements Directory
func (m *Memory) ServerAddress(_ context.Context, deviceID string) (string, bool, error) {
	m.mux.RLock()
	defer m.mux.RUnlock()
	address, ok := m.sessions[deviceID]
	return address, ok, nil
}

// Put implements Writer
func (m *Memory) Put(_ context.Context, deviceID, address string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	m.sessions[deviceID] = address
	return nil
}

// Remove implements Writer
func (m *Memory) Remove(_ context.Context, deviceID, address string) error {
	m.mux.Lock()
	defer m.mux.Unlock()
	if m.sessions[deviceID] == address {
		delete(m.sessions, deviceID)
	}
	return nil
}
