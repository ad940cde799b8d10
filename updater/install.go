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

package updater

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/machinebox/progress"
	"github.com/transparency-dev/armored-fota/api"
	"github.com/transparency-dev/armored-fota/manifest"
	"github.com/transparency-dev/armored-fota/partition"
	"github.com/transparency-dev/armored-fota/verify"
	"github.com/transparency-dev/armored-fota/version"
	"k8s.io/klog/v2"
)

// copyBufferSize is the size of the reads issued while streaming an image.
const copyBufferSize = 4096

// session is the state of a single transfer. It is created when the
// transfer starts and discarded when it is committed or abandoned.
type session struct {
	target  manifest.Target
	version version.Version
	signed  bool

	// contentLength is the length declared by the server, bodyLength the
	// part of it which is image.
	contentLength int64
	bodyLength    int64
	signature     [verify.SignatureSize]byte

	handle *partition.Handle
}

// install downloads the image at t into the update slot, verifies it when
// validate is set, commits it and restarts the device.
func (u *Updater) install(ctx context.Context, t manifest.Target, v version.Version, validate bool) (Result, error) {
	res, err := u.transfer(ctx, &session{target: t, version: v, signed: validate})
	if res.Updated {
		// The image is committed and will boot whether or not the restart
		// worked.
		u.attempted(nil)
		u.mu.Lock()
		u.lastErr = err
		u.mu.Unlock()
		if err != nil {
			klog.Errorf("Update to %s committed: %v", v, err)
		}
		return res, err
	}
	u.attempted(err)
	if err != nil {
		u.fail(err)
		return res, err
	}
	return res, nil
}

func (u *Updater) transfer(ctx context.Context, s *session) (Result, error) {
	if s.signed && u.cfg.Verifier == nil {
		return Result{}, fmt.Errorf("%w: validation requested without a public key", api.ErrConfiguration)
	}
	u.setState(Transferring)

	r, err := u.request(ctx, s.target)
	if err != nil {
		return Result{}, err
	}
	defer r.Close()

	if !r.header.OctetStream {
		klog.Warningf("Firmware content type is %q, not %s", r.header.ContentType, "application/octet-stream")
	}
	if s.contentLength, err = r.header.RequireLength(); err != nil {
		return Result{}, err
	}
	s.bodyLength = s.contentLength
	if s.signed {
		if s.contentLength < verify.SignatureSize {
			return Result{}, &api.ShortWriteError{Written: 0, Expected: s.contentLength}
		}
		s.bodyLength -= verify.SignatureSize
	}

	if s.handle, err = u.table.Begin(s.bodyLength); err != nil {
		return Result{}, err
	}
	defer s.handle.Abort()
	s.handle.SetVersion(s.version.String())

	// Images are large and the link slow, so only the idle timeout applies
	// from here on.
	r.idle.SetDeadline(time.Time{})

	if s.signed {
		if n, err := io.ReadFull(r.body, s.signature[:]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return Result{}, &api.ShortWriteError{Written: int64(n), Expected: s.contentLength}
			}
			return Result{}, ctxErr(ctx, err)
		}
	}

	written, err := u.stream(ctx, r.body, s)
	u.metrics.bytes.Add(float64(written))
	if err != nil {
		return Result{}, ctxErr(ctx, err)
	}
	if written != s.bodyLength {
		return Result{}, &api.ShortWriteError{Written: written, Expected: s.bodyLength}
	}
	klog.Infof("Written %d bytes to slot %d", written, s.handle.Slot())

	u.setState(Verifying)
	if s.signed {
		if err := u.verify(s); err != nil {
			return Result{}, err
		}
	}

	u.setState(Committing)
	if err := s.handle.End(); err != nil {
		return Result{}, err
	}

	res := Result{Updated: true, Version: s.version, Target: s.target, Written: written}
	u.setState(Rebooting)
	klog.Infof("Update to %s committed, restarting", s.version)
	if err := u.dev.Restart(); err != nil {
		return res, fmt.Errorf("update committed, but restart failed: %v", err)
	}
	return res, nil
}

// stream copies the image body into the session's handle.
func (u *Updater) stream(ctx context.Context, body io.Reader, s *session) (int64, error) {
	pr := progress.NewReader(io.LimitReader(body, s.bodyLength))
	if u.cfg.LogProgress && s.bodyLength > 0 {
		tctx, cancel := context.WithCancel(ctx)
		defer cancel()
		go func() {
			progressChan := progress.NewTicker(tctx, pr, s.bodyLength, 1*time.Second)
			for p := range progressChan {
				klog.Infof("Downloading %q: %d%%, %v remaining...", s.target.String(), int(p.Percent()), p.Remaining().Round(time.Second))
			}
		}()
	}
	n, err := io.CopyBuffer(s.handle, pr, make([]byte, copyBufferSize))
	if u.cfg.LogProgress {
		klog.Infof("Downloading %q: finished (%d bytes)", s.target.String(), n)
	}
	return n, err
}

// verify checks the image written to the slot against the session's
// signature, invalidating the slot and reselecting the running one if it
// does not match.
func (u *Updater) verify(s *session) error {
	img, err := s.handle.Reader()
	if err != nil {
		return err
	}
	ok, err := u.cfg.Verifier.Verify(img, s.handle.Written(), s.signature[:])
	if err != nil {
		return fmt.Errorf("failed to read back image: %v", err)
	}
	if ok {
		klog.Infof("Signature verified for %d byte image", s.handle.Written())
		return nil
	}

	klog.Errorf("Signature verification failed, invalidating slot %d", s.handle.Slot())
	errs := []error{api.ErrSignatureMismatch}
	if err := s.handle.Invalidate(); err != nil {
		errs = append(errs, err)
	}
	if err := u.table.SetBoot(u.table.Running()); err != nil {
		errs = append(errs, fmt.Errorf("failed to reselect running slot: %v", err))
	}
	return errors.Join(errs...)
}
