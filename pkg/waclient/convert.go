// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package waclient

import (
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/digitalticlin/wafleet/pkg/supervisor/wamsg"
)

func textMessage(text string) *waE2E.Message {
	return &waE2E.Message{Conversation: proto.String(text)}
}

// convertMessage flattens a whatsmeow message event into the canonical raw
// form. Ephemeral wrappers are unwrapped; everything unrecognized is left
// zeroed and classifies as unsupported downstream.
func convertMessage(evt *events.Message) wamsg.Raw {
	raw := wamsg.Raw{
		ID:        evt.Info.ID,
		ChatJID:   evt.Info.Chat.String(),
		FromMe:    evt.Info.IsFromMe,
		Timestamp: evt.Info.Timestamp,
	}

	msg := evt.Message
	if msg == nil {
		return raw
	}
	if eph := msg.GetEphemeralMessage(); eph != nil && eph.GetMessage() != nil {
		msg = eph.GetMessage()
	}

	raw.Conversation = msg.GetConversation()
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		raw.ExtendedText = ext.GetText()
	}
	if im := msg.GetImageMessage(); im != nil {
		raw.Image = &wamsg.Media{
			Caption:  im.GetCaption(),
			MimeType: im.GetMimetype(),
			URL:      im.GetURL(),
		}
	}
	if vm := msg.GetVideoMessage(); vm != nil {
		raw.Video = &wamsg.Media{
			Caption:  vm.GetCaption(),
			MimeType: vm.GetMimetype(),
			URL:      vm.GetURL(),
		}
	}
	if am := msg.GetAudioMessage(); am != nil {
		raw.Audio = &wamsg.Media{
			MimeType: am.GetMimetype(),
			URL:      am.GetURL(),
		}
	}
	if dm := msg.GetDocumentMessage(); dm != nil {
		raw.Document = &wamsg.Media{
			Caption:  dm.GetCaption(),
			FileName: dm.GetFileName(),
			MimeType: dm.GetMimetype(),
			URL:      dm.GetURL(),
		}
	}
	if sm := msg.GetStickerMessage(); sm != nil {
		raw.Sticker = &wamsg.Media{
			MimeType: sm.GetMimetype(),
			URL:      sm.GetURL(),
		}
	}
	if lm := msg.GetLocationMessage(); lm != nil {
		raw.Location = &wamsg.Location{
			Latitude:  lm.GetDegreesLatitude(),
			Longitude: lm.GetDegreesLongitude(),
			Name:      lm.GetName(),
		}
	}
	if cm := msg.GetContactMessage(); cm != nil {
		raw.Contact = &wamsg.Contact{
			DisplayName: cm.GetDisplayName(),
			VCard:       cm.GetVcard(),
		}
	}
	return raw
}
