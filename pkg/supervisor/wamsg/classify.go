// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package wamsg classifies raw inbound platform events into a canonical
// (text, media kind) tuple for downstream display and storage.
package wamsg

import (
	"fmt"
	"strings"
	"time"
)

// Kind is the canonical media kind of a message.
type Kind string

const (
	KindText     Kind = "text"
	KindImage    Kind = "image"
	KindVideo    Kind = "video"
	KindAudio    Kind = "audio"
	KindDocument Kind = "document"
	KindSticker  Kind = "sticker"
	KindLocation Kind = "location"
	KindContact  Kind = "contact"
	KindUnknown  Kind = "unknown"
)

// Raw is one inbound message as delivered by the session library, flattened
// to the fields this system cares about. At most one of the media pointers
// is set.
type Raw struct {
	ID        string
	ChatJID   string
	FromMe    bool
	Timestamp time.Time

	Conversation string
	ExtendedText string
	Image        *Media
	Video        *Media
	Audio        *Media
	Document     *Media
	Sticker      *Media
	Location     *Location
	Contact      *Contact
}

// Media describes an attachment. URL is the platform's direct media
// reference when one exists; it is passed through, never fetched here.
type Media struct {
	Caption  string
	FileName string
	MimeType string
	URL      string
}

// Location is a shared location pin.
type Location struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// Contact is a shared contact card.
type Contact struct {
	DisplayName string
	VCard       string
}

// Classified is the canonical downstream form of a message.
type Classified struct {
	Text     string
	Kind     Kind
	MediaRef string
}

// Display placeholders for media without a caption. These exact strings are
// what the downstream CRM renders in conversation lists, so they are part of
// the contract, not cosmetic.
const (
	PlaceholderImage       = "[Imagem]"
	PlaceholderVideo       = "[Vídeo]"
	PlaceholderAudio       = "[Áudio]"
	PlaceholderSticker     = "[Sticker]"
	PlaceholderLocation    = "[Localização]"
	PlaceholderContact     = "[Contato]"
	PlaceholderUnsupported = "[Mensagem não suportada]"

	defaultDocumentName = "arquivo"
)

// Classify maps a raw message to its canonical form. Unknown payload shapes
// classify as KindUnknown with a fixed placeholder rather than failing.
func Classify(raw Raw) Classified {
	switch {
	case raw.Conversation != "":
		return Classified{Text: raw.Conversation, Kind: KindText}
	case raw.ExtendedText != "":
		return Classified{Text: raw.ExtendedText, Kind: KindText}
	case raw.Image != nil:
		return Classified{Text: captionOr(raw.Image.Caption, PlaceholderImage), Kind: KindImage, MediaRef: raw.Image.URL}
	case raw.Video != nil:
		return Classified{Text: captionOr(raw.Video.Caption, PlaceholderVideo), Kind: KindVideo, MediaRef: raw.Video.URL}
	case raw.Audio != nil:
		return Classified{Text: PlaceholderAudio, Kind: KindAudio, MediaRef: raw.Audio.URL}
	case raw.Document != nil:
		name := raw.Document.FileName
		if name == "" {
			name = defaultDocumentName
		}
		return Classified{Text: fmt.Sprintf("[Documento: %s]", name), Kind: KindDocument, MediaRef: raw.Document.URL}
	case raw.Sticker != nil:
		return Classified{Text: PlaceholderSticker, Kind: KindSticker, MediaRef: raw.Sticker.URL}
	case raw.Location != nil:
		return Classified{Text: PlaceholderLocation, Kind: KindLocation}
	case raw.Contact != nil:
		return Classified{Text: PlaceholderContact, Kind: KindContact}
	default:
		return Classified{Text: PlaceholderUnsupported, Kind: KindUnknown}
	}
}

// droppedOriginMarkers are JID suffixes/segments whose traffic is never
// forwarded: groups, broadcast lists, newsletters, and lid addresses.
var droppedOriginMarkers = []string{"@g.us", "@broadcast", "@newsletter", "@lid"}

// IsDroppedOrigin reports whether messages from the given chat JID must be
// dropped unconditionally before classification.
func IsDroppedOrigin(jid string) bool {
	for _, marker := range droppedOriginMarkers {
		if strings.Contains(jid, marker) {
			return true
		}
	}
	return false
}

func captionOr(caption, placeholder string) string {
	if caption != "" {
		return caption
	}
	return placeholder
}
