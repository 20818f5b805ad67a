// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package keychain

import (
	"encoding/json"
	"fmt"
)

// oauthField is the top-level key holding the OAuth credential. Other
// top-level keys in the document belong to the host and are preserved
// verbatim across writes.
const oauthField = "claudeAiOauth"

// decodeDocument parses a credential document. An empty document is
// valid and holds no credential.
func decodeDocument(data []byte) (map[string]json.RawMessage, error) {
	document := make(map[string]json.RawMessage)
	if len(data) == 0 {
		return document, nil
	}
	if err := json.Unmarshal(data, &document); err != nil {
		return nil, fmt.Errorf("parsing credential document: %w", err)
	}
	return document, nil
}

func credentialFromDocument(document map[string]json.RawMessage) (Credential, error) {
	raw, ok := document[oauthField]
	if !ok || string(raw) == "null" {
		return Credential{}, ErrNoCredential
	}
	var credential Credential
	if err := json.Unmarshal(raw, &credential); err != nil {
		return Credential{}, fmt.Errorf("parsing %s: %w", oauthField, err)
	}
	if credential.AccessToken == "" {
		return Credential{}, ErrNoCredential
	}
	return credential, nil
}

// encodeDocument replaces the OAuth credential in document and returns
// the serialized result.
func encodeDocument(document map[string]json.RawMessage, credential Credential) ([]byte, error) {
	raw, err := json.Marshal(credential)
	if err != nil {
		return nil, fmt.Errorf("marshaling credential: %w", err)
	}
	document[oauthField] = raw
	data, err := json.Marshal(document)
	if err != nil {
		return nil, fmt.Errorf("marshaling credential document: %w", err)
	}
	return data, nil
}
