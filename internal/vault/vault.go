// Package vault stores reusable SSH credentials encrypted at rest.
//
// All records live in a single JSON file. The non-sensitive projection
// (host, port, username, auth type) is kept in clear so listings never
// touch key material; password, private key, and passphrase are sealed
// together into one fernet token per record. A record whose token no
// longer decrypts is treated as absent, and a file that no longer decodes
// is treated as an empty vault — the vault stays writable either way.
package vault

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
)

// ErrNotFound is returned by Get when no usable record exists for an id.
// Decryption failures are deliberately indistinguishable from absence.
var ErrNotFound = errors.New("credential not found")

// Record is a full credential as supplied by the caller. Secret fields are
// never written to disk in clear.
type Record struct {
	ID         string    `json:"id"`
	Host       string    `json:"host"`
	Port       int       `json:"port"`
	Username   string    `json:"username"`
	AuthType   string    `json:"authType"` // "password" or "key"
	Password   string    `json:"password,omitempty"`
	PrivateKey string    `json:"privateKey,omitempty"`
	Passphrase string    `json:"passphrase,omitempty"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Projection is the non-sensitive view of a record returned by List.
type Projection struct {
	ID        string    `json:"id"`
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	AuthType  string    `json:"authType"`
	CreatedAt time.Time `json:"createdAt"`
}

// ConnectionInfo is a Projection plus a flag telling the UI whether stored
// secrets exist for the id.
type ConnectionInfo struct {
	Projection
	HasStoredCredentials bool `json:"hasStoredCredentials"`
}

// secretEnvelope is what gets sealed into the fernet token.
type secretEnvelope struct {
	Password   string `json:"password,omitempty"`
	PrivateKey string `json:"privateKey,omitempty"`
	Passphrase string `json:"passphrase,omitempty"`
}

// storedRecord is the on-disk representation of one credential.
type storedRecord struct {
	Host      string    `json:"host"`
	Port      int       `json:"port"`
	Username  string    `json:"username"`
	AuthType  string    `json:"authType"`
	CreatedAt time.Time `json:"createdAt"`
	Secret    string    `json:"secret"` // fernet token over secretEnvelope
}

// vaultFile is the on-disk container.
type vaultFile struct {
	Version     int                     `json:"version"`
	Credentials map[string]storedRecord `json:"credentials"`
}

// Vault is the credential store. All methods are safe for concurrent use;
// writes are serialized and land atomically (tmp file + rename).
type Vault struct {
	path string
	key  *fernet.Key

	mu      sync.Mutex
	records map[string]storedRecord
}

// Open loads the vault at path with the given key. A missing or
// undecodable file yields an empty vault.
func Open(path string, key *fernet.Key) (*Vault, error) {
	v := &Vault{
		path:    path,
		key:     key,
		records: make(map[string]storedRecord),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return v, nil
		}
		return nil, fmt.Errorf("read vault file: %w", err)
	}

	var vf vaultFile
	if err := json.Unmarshal(data, &vf); err != nil {
		log.Printf("[vault] %s is not decodable, starting with empty vault: %v", path, err)
		return v, nil
	}
	if vf.Credentials != nil {
		v.records = vf.Credentials
	}
	return v, nil
}

// LoadKey resolves the vault encryption key. An explicit fernet-encoded key
// (VAULT_KEY) wins; otherwise the key is read from keyfile, generated on
// first use.
func LoadKey(encoded, dataPath string) (*fernet.Key, error) {
	if encoded != "" {
		key, err := fernet.DecodeKey(encoded)
		if err != nil {
			return nil, fmt.Errorf("decode vault key: %w", err)
		}
		return key, nil
	}

	keyPath := filepath.Join(dataPath, "vault.key")
	if data, err := os.ReadFile(keyPath); err == nil {
		key, err := fernet.DecodeKey(string(data))
		if err != nil {
			return nil, fmt.Errorf("decode vault key file %s: %w", keyPath, err)
		}
		return key, nil
	}

	var k fernet.Key
	if err := k.Generate(); err != nil {
		return nil, fmt.Errorf("generate vault key: %w", err)
	}
	if err := os.MkdirAll(dataPath, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(k.Encode()), 0600); err != nil {
		return nil, fmt.Errorf("write vault key file: %w", err)
	}
	log.Printf("[vault] generated new key at %s", keyPath)
	return &k, nil
}

// Save stores (or replaces) a credential record and persists the vault.
func (v *Vault) Save(id string, rec Record) error {
	env, err := json.Marshal(secretEnvelope{
		Password:   rec.Password,
		PrivateKey: rec.PrivateKey,
		Passphrase: rec.Passphrase,
	})
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	tok, err := fernet.EncryptAndSign(env, v.key)
	if err != nil {
		return fmt.Errorf("encrypt secrets: %w", err)
	}

	createdAt := rec.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.records[id] = storedRecord{
		Host:      rec.Host,
		Port:      rec.Port,
		Username:  rec.Username,
		AuthType:  rec.AuthType,
		CreatedAt: createdAt,
		Secret:    string(tok),
	}
	return v.persistLocked()
}

// Get returns the full record for id. It fails closed: a record whose
// secrets cannot be decrypted is reported as not found.
func (v *Vault) Get(id string) (Record, error) {
	v.mu.Lock()
	sr, ok := v.records[id]
	v.mu.Unlock()
	if !ok {
		return Record{}, ErrNotFound
	}

	msg := fernet.VerifyAndDecrypt([]byte(sr.Secret), 0, []*fernet.Key{v.key})
	if msg == nil {
		log.Printf("[vault] credential %q failed to decrypt, treating as absent", id)
		return Record{}, ErrNotFound
	}
	var env secretEnvelope
	if err := json.Unmarshal(msg, &env); err != nil {
		log.Printf("[vault] credential %q has a malformed secret envelope, treating as absent", id)
		return Record{}, ErrNotFound
	}

	return Record{
		ID:         id,
		Host:       sr.Host,
		Port:       sr.Port,
		Username:   sr.Username,
		AuthType:   sr.AuthType,
		Password:   env.Password,
		PrivateKey: env.PrivateKey,
		Passphrase: env.Passphrase,
		CreatedAt:  sr.CreatedAt,
	}, nil
}

// Has reports whether a record exists for id, without decrypting it.
func (v *Vault) Has(id string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, ok := v.records[id]
	return ok
}

// Delete removes the record for id and persists the vault. Returns false
// when no record existed.
func (v *Vault) Delete(id string) (bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if _, ok := v.records[id]; !ok {
		return false, nil
	}
	delete(v.records, id)
	if err := v.persistLocked(); err != nil {
		return true, err
	}
	return true, nil
}

// List returns the non-sensitive projection of every stored record,
// ordered by id.
func (v *Vault) List() []Projection {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Projection, 0, len(v.records))
	for id, sr := range v.records {
		out = append(out, Projection{
			ID:        id,
			Host:      sr.Host,
			Port:      sr.Port,
			Username:  sr.Username,
			AuthType:  sr.AuthType,
			CreatedAt: sr.CreatedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Connections returns the stored ids with metadata and a flag marking that
// credentials exist for each.
func (v *Vault) Connections() []ConnectionInfo {
	projections := v.List()
	out := make([]ConnectionInfo, len(projections))
	for i, p := range projections {
		out[i] = ConnectionInfo{Projection: p, HasStoredCredentials: true}
	}
	return out
}

// persistLocked writes the vault file atomically. Caller holds v.mu.
func (v *Vault) persistLocked() error {
	data, err := json.MarshalIndent(vaultFile{Version: 1, Credentials: v.records}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal vault: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0700); err != nil {
		return fmt.Errorf("create vault dir: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write vault tmp file: %w", err)
	}
	if err := os.Rename(tmp, v.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace vault file: %w", err)
	}
	return nil
}

// Mask shortens a secret for logging, keeping only the last 4 characters.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
