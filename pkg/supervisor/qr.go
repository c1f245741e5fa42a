// Copyright 2026 Digital Ticlin
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package supervisor

import (
	"encoding/base64"
	"errors"
	"fmt"

	qrcode "github.com/skip2/go-qrcode"
)

// qrImageSize is the rendered side length in pixels. Large enough that phone
// cameras scan it reliably from the admin dashboard.
const qrImageSize = 512

// maxPairingPayload bounds the payload accepted by the codec. Real pairing
// codes are a few hundred bytes; anything bigger is a malformed event.
const maxPairingPayload = 4096

var ErrEmptyPairingCode = errors.New("empty pairing payload")

// EncodePairingCode renders a raw pairing payload as a PNG data URL suitable
// for direct display in an <img> tag. Deterministic: the same payload always
// produces byte-identical image data.
func EncodePairingCode(payload string) (string, error) {
	if payload == "" {
		return "", ErrEmptyPairingCode
	}
	if len(payload) > maxPairingPayload {
		return "", fmt.Errorf("pairing payload too large: %d bytes", len(payload))
	}
	png, err := qrcode.Encode(payload, qrcode.Medium, qrImageSize)
	if err != nil {
		return "", fmt.Errorf("encode pairing payload: %w", err)
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
