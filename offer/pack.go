package offer

import (
	"encoding/base64"
	"io"

	"github.com/iden3/iden3comm/v2"
	"github.com/iden3/iden3comm/v2/packers"
	"github.com/mdp/qrterminal/v3"
	"github.com/pkg/errors"
)

const deepLinkPrefix = "iden3comm://?i_m="

// Pack wraps an offer into a plain iden3comm envelope.
func Pack(offer []byte) ([]byte, error) {
	pm := iden3comm.NewPackageManager()
	if err := pm.RegisterPackers(&packers.PlainMessagePacker{}); err != nil {
		return nil, errors.WithStack(err)
	}
	envelope, err := pm.Pack(packers.MediaTypePlainMessage, offer, nil)
	if err != nil {
		return nil, errors.Wrap(err, "failed to pack offer")
	}
	return envelope, nil
}

// DeepLink returns the link that opens payload in a wallet app.
func DeepLink(payload []byte) string {
	return deepLinkPrefix + base64.StdEncoding.EncodeToString(payload)
}

// ParseDeepLink is the inverse of DeepLink.
func ParseDeepLink(link string) ([]byte, error) {
	if len(link) < len(deepLinkPrefix) || link[:len(deepLinkPrefix)] != deepLinkPrefix {
		return nil, errors.Errorf("not an iden3comm deep link: %q", link)
	}
	b, err := base64.StdEncoding.DecodeString(link[len(deepLinkPrefix):])
	return b, errors.WithStack(err)
}

// RenderQR writes payload as a terminal QR code.
func RenderQR(w io.Writer, payload []byte) {
	config := qrterminal.Config{
		HalfBlocks: false,
		BlackChar:  qrterminal.WHITE,
		WhiteChar:  qrterminal.BLACK,
		Level:      qrterminal.L,
		Writer:     w,
		QuietZone:  1,
	}
	qrterminal.GenerateWithConfig(string(payload), config)
}
