// Copyright 2024 The Armored FOTA authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package verify checks firmware image signatures.
//
// Images are signed with RSA PKCS#1 v1.5 over the SHA-256 digest of the
// image bytes. The signature block is SignatureSize bytes, which fixes the key
// size at 4096 bits.
package verify

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/transparency-dev/armored-fota/api"
	"k8s.io/klog/v2"
)

// SignatureSize is the length of the signature block preceding a signed
// image.
const SignatureSize = 512

// Verifier checks image signatures against a single public key.
type Verifier struct {
	key *rsa.PublicKey
}

// NewVerifier parses a PEM encoded RSA public key, either a PKIX
// "PUBLIC KEY" or a PKCS#1 "RSA PUBLIC KEY" block.
func NewVerifier(pemKey []byte) (*Verifier, error) {
	block, _ := pem.Decode(pemKey)
	if block == nil {
		return nil, fmt.Errorf("%w: no PEM block found in public key", api.ErrConfiguration)
	}

	var key *rsa.PublicKey
	switch block.Type {
	case "PUBLIC KEY":
		k, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing public key: %v", api.ErrConfiguration, err)
		}
		rk, ok := k.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: public key is %T, not RSA", api.ErrConfiguration, k)
		}
		key = rk
	case "RSA PUBLIC KEY":
		k, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: parsing public key: %v", api.ErrConfiguration, err)
		}
		key = k
	default:
		return nil, fmt.Errorf("%w: unsupported PEM block %q", api.ErrConfiguration, block.Type)
	}

	if key.Size() != SignatureSize {
		return nil, fmt.Errorf("%w: %d-bit key produces %d-byte signatures, want %d", api.ErrConfiguration, key.N.BitLen(), key.Size(), SignatureSize)
	}
	return &Verifier{key: key}, nil
}

// LoadPublicKey reads a verifier key from a PEM file.
func LoadPublicKey(path string) (*Verifier, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: reading public key: %v", api.ErrConfiguration, err)
	}
	return NewVerifier(b)
}

// Verify hashes exactly n bytes from image and checks sig against the digest.
//
// A false result with a nil error means the signature did not match; errors
// are reserved for failing to read the image.
func (v *Verifier) Verify(image io.Reader, n int64, sig []byte) (bool, error) {
	if len(sig) != SignatureSize {
		klog.Warningf("Signature is %d bytes, want %d", len(sig), SignatureSize)
		return false, nil
	}
	h := sha256.New()
	copied, err := io.CopyN(h, image, n)
	if err != nil {
		return false, fmt.Errorf("hashed %d of %d image bytes: %w", copied, n, err)
	}
	digest := h.Sum(nil)
	klog.V(1).Infof("Image digest %x (%d bytes)", digest, n)

	if err := rsa.VerifyPKCS1v15(v.key, crypto.SHA256, digest, sig); err != nil {
		if errors.Is(err, rsa.ErrVerification) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
