// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package status produces the document served on the classifier's local
// status path, either from static configuration or fetched live from the
// backend and cached.
package status

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Alvsch/hyperion/pkg/errors"
)

// Document is the status payload in the shape clients expect.
type Document struct {
	Version     Version `json:"version"`
	Players     Players `json:"players"`
	Description Chat    `json:"description"`
	Favicon     string  `json:"favicon,omitempty"`
}

// Version identifies the protocol the backend speaks.
type Version struct {
	Name     string `json:"name"`
	Protocol int    `json:"protocol"`
}

// Players reports capacity and occupancy.
type Players struct {
	Max    int `json:"max"`
	Online int `json:"online"`
}

// Chat is a minimal text component.
type Chat struct {
	Text string `json:"text"`
}

// Provider yields the JSON status document to serve.
type Provider interface {
	Status(ctx context.Context) ([]byte, error)
}

// Static renders a document from fixed configuration. OnlineFn, when set,
// supplies the live occupancy figure (typically the active session count).
type Static struct {
	VersionName string
	Protocol    int
	MOTD        string
	MaxPlayers  int
	OnlineFn    func() int
}

var _ Provider = (*Static)(nil)

// Status implements Provider.
func (s *Static) Status(ctx context.Context) ([]byte, error) {
	online := 0
	if s.OnlineFn != nil {
		online = s.OnlineFn()
	}

	doc := Document{
		Version:     Version{Name: s.VersionName, Protocol: s.Protocol},
		Players:     Players{Max: s.MaxPlayers, Online: online},
		Description: Chat{Text: s.MOTD},
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to render status document: %w", err)
	}
	return data, nil
}

// Parse decodes a status document, used to validate backend responses.
func Parse(data []byte) (*Document, error) {
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "invalid status document")
	}
	return &doc, nil
}
