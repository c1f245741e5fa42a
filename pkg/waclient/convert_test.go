// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package waclient

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/digitalticlin/wafleet/pkg/supervisor/wamsg"
)

func messageEvent(id string, msg *waE2E.Message) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Chat:     types.NewJID("5511988887777", types.DefaultUserServer),
				IsFromMe: true,
			},
			ID:        types.MessageID(id),
			Timestamp: time.Unix(1700000000, 0),
		},
		Message: msg,
	}
}

// TestConvertMessage_Text verifies plain conversation text and the envelope
// fields carry over.
func TestConvertMessage_Text(t *testing.T) {
	t.Parallel()
	raw := convertMessage(messageEvent("MSG1", &waE2E.Message{
		Conversation: proto.String("ola"),
	}))
	if raw.ID != "MSG1" || !raw.FromMe || raw.Conversation != "ola" {
		t.Fatalf("raw: %+v", raw)
	}
	if raw.ChatJID != "5511988887777@s.whatsapp.net" {
		t.Fatalf("chat jid: %q", raw.ChatJID)
	}
	if got := wamsg.Classify(raw); got.Kind != wamsg.KindText || got.Text != "ola" {
		t.Fatalf("classified: %+v", got)
	}
}

// TestConvertMessage_MediaKinds verifies each media payload lands in its
// slot and classifies to the right kind.
func TestConvertMessage_MediaKinds(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		msg  *waE2E.Message
		kind wamsg.Kind
		text string
	}{
		{
			name: "image with caption",
			msg: &waE2E.Message{ImageMessage: &waE2E.ImageMessage{
				Caption:  proto.String("olha isso"),
				Mimetype: proto.String("image/jpeg"),
			}},
			kind: wamsg.KindImage,
			text: "olha isso",
		},
		{
			name: "document",
			msg: &waE2E.Message{DocumentMessage: &waE2E.DocumentMessage{
				FileName: proto.String("nota.pdf"),
			}},
			kind: wamsg.KindDocument,
			text: "[Documento: nota.pdf]",
		},
		{
			name: "audio",
			msg:  &waE2E.Message{AudioMessage: &waE2E.AudioMessage{Mimetype: proto.String("audio/ogg")}},
			kind: wamsg.KindAudio,
			text: wamsg.PlaceholderAudio,
		},
		{
			name: "location",
			msg: &waE2E.Message{LocationMessage: &waE2E.LocationMessage{
				DegreesLatitude:  proto.Float64(-23.55),
				DegreesLongitude: proto.Float64(-46.63),
			}},
			kind: wamsg.KindLocation,
			text: wamsg.PlaceholderLocation,
		},
		{
			name: "empty payload",
			msg:  &waE2E.Message{},
			kind: wamsg.KindUnknown,
			text: wamsg.PlaceholderUnsupported,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := wamsg.Classify(convertMessage(messageEvent("M", tc.msg)))
			if got.Kind != tc.kind || got.Text != tc.text {
				t.Fatalf("got %+v, want kind %s text %q", got, tc.kind, tc.text)
			}
		})
	}
}

// TestConvertMessage_EphemeralUnwrap verifies disappearing-mode wrappers are
// unwrapped before classification.
func TestConvertMessage_EphemeralUnwrap(t *testing.T) {
	t.Parallel()
	raw := convertMessage(messageEvent("M", &waE2E.Message{
		EphemeralMessage: &waE2E.FutureProofMessage{
			Message: &waE2E.Message{Conversation: proto.String("some")},
		},
	}))
	if raw.Conversation != "some" {
		t.Fatalf("ephemeral not unwrapped: %+v", raw)
	}
}

// TestParseRecipient covers full JIDs, bare numbers, and rejects.
func TestParseRecipient(t *testing.T) {
	t.Parallel()
	jid, err := parseRecipient("5511988887777@s.whatsapp.net")
	if err != nil || jid.User != "5511988887777" {
		t.Fatalf("full jid: %v %v", jid, err)
	}
	jid, err = parseRecipient("5511988887777")
	if err != nil || jid.Server != types.DefaultUserServer {
		t.Fatalf("bare number: %v %v", jid, err)
	}
	if _, err := parseRecipient(""); err == nil {
		t.Fatal("empty recipient accepted")
	}
}
