package payment

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	pp "github.com/Frontware/promptpay"
	"github.com/yeqown/go-qrcode/v2"
	"github.com/yeqown/go-qrcode/writer/standard"
)

var ErrQRUnsupported = errors.New("qr code not supported for this payment method")

type nopCloser struct {
	io.Writer
}

func (nopCloser) Close() error { return nil }

// Payload returns the EMVCo PromptPay payload for paying amount to r.
func Payload(r Routing, amount float64) (string, error) {
	if !r.HasQR() {
		return "", ErrQRUnsupported
	}
	payment := pp.PromptPay{PromptPayID: r.Value, Amount: amount}
	payload, err := payment.Gen()
	if err != nil {
		return "", fmt.Errorf("error generating PromptPay data: %w", err)
	}
	return payload, nil
}

// QRCode renders the PromptPay payload for r and amount as a PNG image.
func QRCode(r Routing, amount float64) ([]byte, error) {
	payload, err := Payload(r, amount)
	if err != nil {
		return nil, err
	}

	qrc, err := qrcode.New(payload)
	if err != nil {
		return nil, fmt.Errorf("error creating QR code: %w", err)
	}

	var buf bytes.Buffer
	w := standard.NewWithWriter(nopCloser{Writer: &buf},
		standard.WithBuiltinImageEncoder(standard.PNG_FORMAT),
		standard.WithQRWidth(6),
	)
	if err := qrc.Save(w); err != nil {
		return nil, fmt.Errorf("error saving QR code: %w", err)
	}
	return buf.Bytes(), nil
}

// DataURI renders the QR code as an inline data: URI for <img src>.
func DataURI(r Routing, amount float64) (string, error) {
	png, err := QRCode(r, amount)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}
