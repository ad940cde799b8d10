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

package main

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/cheggaaa/pb/v3"
	"github.com/spf13/cobra"
	"github.com/transparency-dev/armored-fota/verify"
)

var (
	signKey      string
	signPubKey   string
	signOut      string
	signProgress bool
)

var signCmd = &cobra.Command{
	Use:   "sign IMAGE",
	Short: "Prepend a signature block to a firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signKey == "" || signOut == "" {
			return errors.New("--key and --out are required")
		}
		b, err := os.ReadFile(signKey)
		if err != nil {
			return err
		}
		key, err := verify.ParsePrivateKey(b)
		if err != nil {
			return err
		}

		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		fi, err := in.Stat()
		if err != nil {
			return err
		}
		out, err := os.Create(signOut)
		if err != nil {
			return err
		}
		if err := signImage(key, in, fi.Size(), out, signProgress); err != nil {
			out.Close()
			os.Remove(signOut)
			return err
		}
		if err := out.Close(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", fi.Size()+verify.SignatureSize, signOut)
		return nil
	},
}

var verifyCmd = &cobra.Command{
	Use:   "verify SIGNED_IMAGE",
	Short: "Check the signature block of a signed firmware image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if signPubKey == "" {
			return errors.New("--pubkey is required")
		}
		v, err := verify.LoadPublicKey(signPubKey)
		if err != nil {
			return err
		}
		in, err := os.Open(args[0])
		if err != nil {
			return err
		}
		defer in.Close()
		fi, err := in.Stat()
		if err != nil {
			return err
		}
		ok, err := verifyImage(v, in, fi.Size())
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("%s: signature does not match", args[0])
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: signature OK\n", args[0])
		return nil
	},
}

func init() {
	signCmd.Flags().StringVar(&signKey, "key", "", "PEM RSA-4096 private key.")
	signCmd.Flags().StringVar(&signOut, "out", "", "File to write the signed image to.")
	signCmd.Flags().BoolVar(&signProgress, "progress", true, "Show a progress bar.")
	verifyCmd.Flags().StringVar(&signPubKey, "pubkey", "", "PEM RSA-4096 public key.")

	rootCmd.AddCommand(signCmd, verifyCmd)
}

// signImage writes the signature block for the size bytes of in to out,
// followed by the image itself.
func signImage(key *rsa.PrivateKey, in io.ReadSeeker, size int64, out io.Writer, progress bool) error {
	var r io.Reader = io.LimitReader(in, size)
	if progress {
		bar := pb.Full.Start64(size)
		bar.Set(pb.Bytes, true)
		bar.SetWriter(os.Stderr)
		defer bar.Finish()
		r = bar.NewProxyReader(r)
	}
	sig, err := verify.Sign(key, r)
	if err != nil {
		return fmt.Errorf("failed to sign image: %v", err)
	}

	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := out.Write(sig); err != nil {
		return err
	}
	n, err := io.CopyN(out, in, size)
	if err != nil {
		return fmt.Errorf("copied %d of %d bytes: %v", n, size, err)
	}
	return nil
}

// verifyImage checks a signed image of size bytes read from in.
func verifyImage(v *verify.Verifier, in io.Reader, size int64) (bool, error) {
	if size < verify.SignatureSize {
		return false, fmt.Errorf("image of %d bytes is too short to hold a signature", size)
	}
	sig := make([]byte, verify.SignatureSize)
	if _, err := io.ReadFull(in, sig); err != nil {
		return false, err
	}
	return v.Verify(in, size-verify.SignatureSize, sig)
}
