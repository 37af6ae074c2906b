//go:build linux

package keystore

import (
	"context"
	"fmt"
	"sync"

	"github.com/godbus/dbus/v5"
)

const (
	secretServiceDest       = "org.freedesktop.secrets"
	secretServiceObjectPath = dbus.ObjectPath("/org/freedesktop/secrets")
	defaultCollectionPath   = dbus.ObjectPath("/org/freedesktop/secrets/aliases/default")

	attrServer   = "server"
	attrUsername = "username"
	attrProtocol = "protocol"
	attrPort     = "port"
	attrApp      = "application"
	appLabel     = "sharewatchd"
)

// SecretServiceAdapter backs the Keystore Adapter with the Linux Secret
// Service (org.freedesktop.secrets), speaking to whatever provider owns
// that bus name (GNOME Keyring, KWallet's Secret Service shim) over the
// session bus via godbus/dbus/v5, the teacher's direct dependency.
// Operations are serialized with a mutex to satisfy §4.10's "serialized
// per actor" requirement.
type SecretServiceAdapter struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	session dbus.ObjectPath
}

// NewSecretServiceAdapter opens a session-bus connection and negotiates
// a plain (unencrypted) Secret Service session. Plain transport is
// acceptable here because the session bus itself is already restricted
// to the local user's login session.
func NewSecretServiceAdapter() (*SecretServiceAdapter, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("keystore: connect session bus: %w", err)
	}
	svc := conn.Object(secretServiceDest, secretServiceObjectPath)
	var output dbus.Variant
	var sessionPath dbus.ObjectPath
	err = svc.Call("org.freedesktop.Secret.Service.OpenSession", 0, "plain", dbus.MakeVariant("")).Store(&output, &sessionPath)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("keystore: open secret service session: %w", err)
	}
	return &SecretServiceAdapter{conn: conn, session: sessionPath}, nil
}

// Close releases the D-Bus session and connection.
func (s *SecretServiceAdapter) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.session != "" {
		sess := s.conn.Object(secretServiceDest, s.session)
		_ = sess.Call("org.freedesktop.Secret.Session.Close", 0).Err
	}
	return s.conn.Close()
}

func attrsFor(key Key) map[string]string {
	return map[string]string{
		attrServer:   key.Server,
		attrUsername: key.Username,
		attrProtocol: string(key.Protocol),
		attrPort:     fmt.Sprintf("%d", key.Port),
		attrApp:      appLabel,
	}
}

func (s *SecretServiceAdapter) collection() dbus.BusObject {
	return s.conn.Object(secretServiceDest, defaultCollectionPath)
}

func (s *SecretServiceAdapter) findItem(key Key) (dbus.ObjectPath, error) {
	coll := s.collection()
	var unlocked, locked []dbus.ObjectPath
	err := coll.Call("org.freedesktop.Secret.Collection.SearchItems", 0, attrsFor(key)).Store(&unlocked, &locked)
	if err != nil {
		// Older providers expose SearchItems only on the Service, scoped
		// to a set of collections; fall back to that form.
		svc := s.conn.Object(secretServiceDest, secretServiceObjectPath)
		err2 := svc.Call("org.freedesktop.Secret.Service.SearchItems", 0, attrsFor(key)).Store(&unlocked, &locked)
		if err2 != nil {
			return "", fmt.Errorf("keystore: search items: %w", err)
		}
	}
	if len(unlocked) > 0 {
		return unlocked[0], nil
	}
	if len(locked) > 0 {
		return locked[0], nil
	}
	return "", ErrNotFound
}

func (s *SecretServiceAdapter) Write(_ context.Context, key Key, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Update-then-add: delete any existing item for this key first so
	// CreateItem's "replace" flag has nothing to collide with, matching
	// keychain update-then-add semantics.
	if existing, err := s.findItem(key); err == nil {
		item := s.conn.Object(secretServiceDest, existing)
		_ = item.Call("org.freedesktop.Secret.Item.Delete", 0).Err
	}

	secret := struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}{
		Session:     s.session,
		Parameters:  []byte{},
		Value:       []byte(password),
		ContentType: "text/plain",
	}
	props := map[string]dbus.Variant{
		"org.freedesktop.Secret.Item.Label":      dbus.MakeVariant(fmt.Sprintf("sharewatchd: %s@%s", key.Username, key.Server)),
		"org.freedesktop.Secret.Item.Attributes": dbus.MakeVariant(attrsFor(key)),
	}
	coll := s.collection()
	var itemPath, promptPath dbus.ObjectPath
	err := coll.Call("org.freedesktop.Secret.Collection.CreateItem", 0, props, secret, true).Store(&itemPath, &promptPath)
	if err != nil {
		return fmt.Errorf("keystore: create item: %w", err)
	}
	return nil
}

func (s *SecretServiceAdapter) Read(_ context.Context, key Key) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findItem(key)
	if err != nil {
		return "", err
	}
	item := s.conn.Object(secretServiceDest, path)
	var secret struct {
		Session     dbus.ObjectPath
		Parameters  []byte
		Value       []byte
		ContentType string
	}
	if err := item.Call("org.freedesktop.Secret.Item.GetSecret", 0, s.session).Store(&secret); err != nil {
		return "", fmt.Errorf("keystore: get secret: %w", err)
	}
	return string(secret.Value), nil
}

func (s *SecretServiceAdapter) Delete(_ context.Context, key Key) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, err := s.findItem(key)
	if err != nil {
		if err == ErrNotFound {
			return nil
		}
		return err
	}
	item := s.conn.Object(secretServiceDest, path)
	call := item.Call("org.freedesktop.Secret.Item.Delete", 0)
	if call.Err != nil {
		return fmt.Errorf("keystore: delete item: %w", call.Err)
	}
	return nil
}

var _ Adapter = (*SecretServiceAdapter)(nil)
