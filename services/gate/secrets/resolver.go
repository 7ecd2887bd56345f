// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets maps (environment, name) pairs to permission-checked files
// and decrypts encrypted secrets into a per-deployment directory that is wiped
// when the deployment ends.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"

	"github.com/AleutianAI/deploygate/services/gate/fsperm"
	"github.com/AleutianAI/deploygate/services/gate/outcome"
	"github.com/awnumar/memguard"
)

// EncryptedSuffix marks a secret stored encrypted at rest.
const EncryptedSuffix = ".enc"

// maxSecretSize bounds how much of a secret file is read.
const maxSecretSize = 1 << 20

var (
	// ErrNotFound is returned when neither a plain nor an encrypted secret
	// exists for the name.
	ErrNotFound = errors.New("secret not found")

	// ErrInsecure is returned when a secret, its directory or the key file has
	// the wrong owner, group or mode.
	ErrInsecure = errors.New("secret has insecure ownership or permissions")

	// ErrInvalidName is returned for names outside the allowed grammar.
	ErrInvalidName = errors.New("invalid secret name")

	// ErrDecrypt is returned when an encrypted secret fails authentication.
	ErrDecrypt = errors.New("secret decryption failed")

	namePattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)
)

// Config locates the secrets tree and the decryption key.
type Config struct {
	// Root holds one directory per environment.
	Root string

	// GroupGID is the single group allowed to own secrets.
	GroupGID uint32

	// KeyFile is the 32-byte root key for encrypted secrets. Optional when no
	// encrypted secrets exist.
	KeyFile string

	// RuntimeDir is where per-deployment directories are created.
	RuntimeDir string
}

// Secret is a resolved secret. Path is safe to hand to the engine; the
// contents are never returned.
type Secret struct {
	Name      string
	Path      string
	Decrypted bool
}

// Resolver checks and resolves secrets.
//
// # Thread Safety
//
// Safe for concurrent use. The key is loaded at most once.
type Resolver struct {
	cfg    Config
	stat   fsperm.Stat
	logger *slog.Logger

	keyOnce sync.Once
	key     *memguard.Enclave
	keyErr  error
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithStat replaces the ownership lookup, for tests.
func WithStat(stat fsperm.Stat) Option {
	return func(r *Resolver) { r.stat = stat }
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Resolver) { r.logger = logger }
}

// NewResolver creates a resolver over cfg.
func NewResolver(cfg Config, opts ...Option) (*Resolver, error) {
	if cfg.Root == "" {
		return nil, errors.New("secrets root is required")
	}
	if cfg.RuntimeDir == "" {
		return nil, errors.New("runtime dir is required")
	}
	r := &Resolver{cfg: cfg, stat: fsperm.Lstat, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// entryRule is what every secret file and directory must satisfy: owned by
// root, group-owned by the secrets group, no world bits, no group write.
func (r *Resolver) entryRule() fsperm.Rule {
	return fsperm.Rule{OwnerUID: 0, GroupGID: r.cfg.GroupGID, RequireGroup: true, ForbiddenBits: 0o027}
}

func (r *Resolver) check(path string, dir bool) error {
	if err := r.entryRule().Check(r.stat, path, dir); err != nil {
		if errors.Is(err, fsperm.ErrInsecure) {
			return fmt.Errorf("%w: %v", ErrInsecure, err)
		}
		return err
	}
	return nil
}

// Check validates name and returns the secret's location without decrypting.
//
// # Outputs
//
//   - path: the file in the secrets tree.
//   - encrypted: whether the file is the encrypted form.
//   - err: ErrNotFound, ErrInsecure, ErrInvalidName or an I/O error.
func (r *Resolver) Check(ctx context.Context, env, name string) (path string, encrypted bool, err error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	if !namePattern.MatchString(name) {
		return "", false, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	if !namePattern.MatchString(env) {
		return "", false, fmt.Errorf("%w: environment %q", ErrInvalidName, env)
	}

	envDir := filepath.Join(r.cfg.Root, env)
	for _, dir := range []string{r.cfg.Root, envDir} {
		if err := r.check(dir, true); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return "", false, fmt.Errorf("%w: %s/%s", ErrNotFound, env, name)
			}
			return "", false, err
		}
	}

	for _, candidate := range []struct {
		path      string
		encrypted bool
	}{
		{filepath.Join(envDir, name), false},
		{filepath.Join(envDir, name+EncryptedSuffix), true},
	} {
		err := r.check(candidate.path, false)
		switch {
		case err == nil:
			return candidate.path, candidate.encrypted, nil
		case errors.Is(err, fs.ErrNotExist):
			continue
		default:
			return "", false, err
		}
	}
	return "", false, fmt.Errorf("%w: %s/%s", ErrNotFound, env, name)
}

// =============================================================================
// Session
// =============================================================================

// Session scopes decrypted secrets to one deployment.
type Session struct {
	resolver *Resolver
	dir      string

	mu     sync.Mutex
	files  []string
	closed bool

	// decrypted maps "env/name" to the file already written for it.
	decrypted map[string]Secret
}

// Open starts a session for a deployment. Nothing is created on disk until
// an encrypted secret is resolved.
func (r *Resolver) Open(deploymentID string) (*Session, error) {
	if !namePattern.MatchString(deploymentID) {
		return nil, fmt.Errorf("%w: deployment id %q", ErrInvalidName, deploymentID)
	}
	return &Session{resolver: r, dir: filepath.Join(r.cfg.RuntimeDir, deploymentID, "secrets")}, nil
}

// Dir is the session's private directory for decrypted secrets.
func (s *Session) Dir() string { return s.dir }

// Resolve returns a usable path for one secret.
//
// # Description
//
// Plain secrets are referenced in place. Encrypted secrets are decrypted
// into the session directory (0700) as a 0400 file named after the secret.
// A secret already decrypted by this session resolves to the same file, so
// a rollback can reuse what the forward apply wrote. Only names are logged.
func (s *Session) Resolve(ctx context.Context, env, name string) (Secret, error) {
	path, encrypted, err := s.resolver.Check(ctx, env, name)
	if err != nil {
		return Secret{}, err
	}
	if !encrypted {
		s.resolver.logger.Debug("secret resolved", "environment", env, "secret", name)
		return Secret{Name: name, Path: path}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return Secret{}, errors.New("secrets session is closed")
	}
	key := env + "/" + name
	if sec, ok := s.decrypted[key]; ok {
		return sec, nil
	}

	plaintext, err := s.resolver.decrypt(path, env, name)
	if err != nil {
		return Secret{}, err
	}
	defer plaintext.Destroy()

	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Secret{}, fmt.Errorf("create secrets dir: %w", err)
	}
	if err := os.Chmod(s.dir, 0o700); err != nil {
		return Secret{}, fmt.Errorf("secure secrets dir: %w", err)
	}
	out := filepath.Join(s.dir, name)
	if err := writePrivate(out, plaintext.Bytes()); err != nil {
		return Secret{}, err
	}
	s.files = append(s.files, out)
	sec := Secret{Name: name, Path: out, Decrypted: true}
	if s.decrypted == nil {
		s.decrypted = make(map[string]Secret)
	}
	s.decrypted[key] = sec
	s.resolver.logger.Debug("secret decrypted", "environment", env, "secret", name)
	return sec, nil
}

// ResolveAll resolves every name and reports all the missing ones at once
// as *outcome.SecretMissingError.
func (s *Session) ResolveAll(ctx context.Context, env string, names []string) (map[string]Secret, error) {
	out := make(map[string]Secret, len(names))
	var missing []string
	var errs []error
	for _, name := range names {
		sec, err := s.Resolve(ctx, env, name)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, ctxErr
			}
			missing = append(missing, name)
			errs = append(errs, err)
			continue
		}
		out[name] = sec
	}
	if len(missing) > 0 {
		return nil, &outcome.SecretMissingError{Names: missing, Err: errors.Join(errs...)}
	}
	return out, nil
}

// Close unlinks every decrypted file and the session directory. It is safe
// to call more than once.
//
// Files are not overwritten first: the engine bind-mounts the same inode
// into running containers, which keep reading it after the unlink.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	var errs []error
	for _, f := range s.files {
		if err := os.Remove(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if err := os.RemoveAll(s.dir); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func writePrivate(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o400)
	if err != nil {
		return fmt.Errorf("create decrypted secret: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(path)
		return fmt.Errorf("write decrypted secret: %w", err)
	}
	return f.Close()
}
