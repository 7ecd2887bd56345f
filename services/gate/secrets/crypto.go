// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"bytes"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/AleutianAI/deploygate/services/gate/fsperm"
	"github.com/awnumar/memguard"
	"golang.org/x/crypto/chacha20poly1305"
)

// KeySize is the length of the root key.
const KeySize = chacha20poly1305.KeySize

// Encrypted secrets are nonce || XChaCha20-Poly1305 ciphertext. The
// additional data binds the ciphertext to "<env>/<name>" so a file moved
// to another name or environment fails to open.
func additionalData(env, name string) []byte {
	return []byte(env + "/" + name)
}

// Encrypt seals plaintext for storage as <name>.enc under env.
func Encrypt(key []byte, env, name string, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(plaintext)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, additionalData(env, name)), nil
}

// loadKey reads the root key once into a memguard enclave. The key file must
// be owned by root with no group or world bits. It holds either KeySize raw
// bytes or their hex encoding.
func (r *Resolver) loadKey() (*memguard.Enclave, error) {
	r.keyOnce.Do(func() {
		if r.cfg.KeyFile == "" {
			r.keyErr = errors.New("encrypted secret found but no key file is configured")
			return
		}
		rule := fsperm.Rule{OwnerUID: 0, ForbiddenBits: 0o077}
		if err := rule.Check(r.stat, r.cfg.KeyFile, false); err != nil {
			if errors.Is(err, fsperm.ErrInsecure) {
				err = fmt.Errorf("%w: %v", ErrInsecure, err)
			}
			r.keyErr = err
			return
		}
		raw, err := os.ReadFile(r.cfg.KeyFile)
		if err != nil {
			r.keyErr = fmt.Errorf("read key file: %w", err)
			return
		}
		key, err := decodeKey(raw)
		memguard.WipeBytes(raw)
		if err != nil {
			r.keyErr = err
			return
		}
		// NewEnclave wipes key.
		r.key = memguard.NewEnclave(key)
	})
	return r.key, r.keyErr
}

func decodeKey(raw []byte) ([]byte, error) {
	if len(raw) == KeySize {
		return append([]byte(nil), raw...), nil
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == hex.EncodedLen(KeySize) {
		key := make([]byte, KeySize)
		if _, err := hex.Decode(key, trimmed); err == nil {
			return key, nil
		}
		memguard.WipeBytes(key)
	}
	return nil, fmt.Errorf("key file must hold %d raw or hex-encoded bytes", KeySize)
}

// decrypt opens one encrypted secret. The caller destroys the buffer.
func (r *Resolver) decrypt(path, env, name string) (*memguard.LockedBuffer, error) {
	enclave, err := r.loadKey()
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	sealed, err := io.ReadAll(io.LimitReader(f, maxSecretSize+1))
	f.Close()
	if err != nil {
		return nil, err
	}
	if len(sealed) > maxSecretSize {
		return nil, fmt.Errorf("%w: %s/%s exceeds %d bytes", ErrDecrypt, env, name, maxSecretSize)
	}

	key, err := enclave.Open()
	if err != nil {
		return nil, fmt.Errorf("open key enclave: %w", err)
	}
	defer key.Destroy()

	aead, err := chacha20poly1305.NewX(key.Bytes())
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize()+aead.Overhead() {
		return nil, fmt.Errorf("%w: %s/%s is truncated", ErrDecrypt, env, name)
	}
	nonce, ciphertext := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, ciphertext, additionalData(env, name))
	if err != nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDecrypt, env, name)
	}
	return memguard.NewBufferFromBytes(plaintext), nil
}
