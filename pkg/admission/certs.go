// Copyright 2025 The kubedoor Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package admission

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"k8s.io/client-go/util/cert"
)

// EnsureCerts writes the webhook serving material as tls.crt and tls.key
// into dir and returns the CA bundle to advertise in the webhook
// configuration. Provided base64 cert/key are used as given; when none are
// set a self-signed pair for fqdn is generated, valid for 1 year, and doubles
// as its own CA. A CA alone is accepted when the deployment already mounted
// the serving pair into dir.
func EnsureCerts(dir, fqdn, certEncoded, keyEncoded, caEncoded string) ([]byte, error) {
	var (
		crt, key, caData []byte
		err              error
	)
	switch {
	case keyEncoded != "" && certEncoded != "":
		crt, err = base64.StdEncoding.DecodeString(certEncoded)
		if err != nil {
			return nil, fmt.Errorf("decoding TLS certificate: %w", err)
		}
		key, err = base64.StdEncoding.DecodeString(keyEncoded)
		if err != nil {
			return nil, fmt.Errorf("decoding TLS key: %w", err)
		}
		if caEncoded != "" {
			caData, err = base64.StdEncoding.DecodeString(caEncoded)
			if err != nil {
				return nil, fmt.Errorf("decoding certificate authority: %w", err)
			}
		}
	case keyEncoded == "" && certEncoded == "" && caEncoded != "":
		if _, err := os.Stat(filepath.Join(dir, "tls.crt")); err != nil {
			return nil, fmt.Errorf("ca-base64 set but no serving certificate mounted in %s: %w", dir, err)
		}
		if _, err := os.Stat(filepath.Join(dir, "tls.key")); err != nil {
			return nil, fmt.Errorf("ca-base64 set but no serving key mounted in %s: %w", dir, err)
		}
		caData, err = base64.StdEncoding.DecodeString(caEncoded)
		if err != nil {
			return nil, fmt.Errorf("decoding certificate authority: %w", err)
		}
		return caData, nil
	case keyEncoded == "" && certEncoded == "" && caEncoded == "":
		crt, key, err = cert.GenerateSelfSignedCertKey(fqdn, nil, nil)
		if err != nil {
			return nil, fmt.Errorf("generate self-signed TLS key pair: %w", err)
		}
		caData = crt
	default:
		return nil, errors.New("flags tls-key-base64 and tls-cert-base64 must both be set")
	}
	if err := os.WriteFile(filepath.Join(dir, "tls.crt"), crt, 0666); err != nil {
		return nil, fmt.Errorf("create cert file: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "tls.key"), key, 0666); err != nil {
		return nil, fmt.Errorf("create key file: %w", err)
	}
	return caData, nil
}
