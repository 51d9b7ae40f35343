// Package wifiqr reads and writes the WIFI: network-share format used by
// phone QR codes, e.g. WIFI:S:HomeNet;T:WPA;P:secret;;
package wifiqr

import (
	"errors"
	"fmt"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/weatherpotato/potatolink/internal/device"
)

const prefix = "WIFI:"

// ErrNotWiFi means the text is not a WIFI: share string.
var ErrNotWiFi = errors.New("not a WIFI: share string")

// Parse extracts credentials from a WIFI: string. Fields may appear in any
// order; `\;`, `\,`, `\:`, `\"` and `\\` are unescaped. The security type
// defaults to WPA2.
func Parse(text string) (device.Credentials, error) {
	text = strings.TrimSpace(text)
	if len(text) < len(prefix) || !strings.EqualFold(text[:len(prefix)], prefix) {
		return device.Credentials{}, ErrNotWiFi
	}

	creds := device.Credentials{Security: device.SecurityWPA2}
	var haveSSID bool
	for _, field := range splitFields(text[len(prefix):]) {
		key, value, ok := strings.Cut(field, ":")
		if !ok {
			continue
		}
		switch strings.ToUpper(key) {
		case "S":
			creds.SSID = value
			haveSSID = true
		case "P":
			creds.Password = value
		case "T":
			if value != "" {
				creds.Security = normalizeSecurity(value)
			}
		}
	}
	if !haveSSID || creds.SSID == "" {
		return device.Credentials{}, fmt.Errorf("%w: missing SSID", ErrNotWiFi)
	}
	return creds, nil
}

// Encode renders credentials as a WIFI: string.
func Encode(c device.Credentials) string {
	sec := c.Security
	if sec == "" {
		sec = device.SecurityWPA2
	}
	var b strings.Builder
	b.WriteString(prefix)
	b.WriteString("T:" + escape(sec) + ";")
	b.WriteString("S:" + escape(c.SSID) + ";")
	if !strings.EqualFold(sec, device.SecurityNoPass) {
		b.WriteString("P:" + escape(c.Password) + ";")
	}
	b.WriteString(";")
	return b.String()
}

// Terminal renders the credentials as a QR code made of block characters.
func Terminal(c device.Credentials) (string, error) {
	q, err := qrcode.New(Encode(c), qrcode.Medium)
	if err != nil {
		return "", fmt.Errorf("qr encode: %w", err)
	}
	return q.ToSmallString(false), nil
}

// PNG renders the credentials as a size×size PNG image.
func PNG(c device.Credentials, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(Encode(c), qrcode.Medium, size)
	if err != nil {
		return nil, fmt.Errorf("qr encode: %w", err)
	}
	return png, nil
}

// splitFields splits on unescaped ';' and unescapes each field.
func splitFields(s string) []string {
	var (
		fields []string
		cur    strings.Builder
	)
	for i := 0; i < len(s); i++ {
		switch ch := s[i]; {
		case ch == '\\' && i+1 < len(s):
			i++
			cur.WriteByte(s[i])
		case ch == ';':
			if cur.Len() > 0 {
				fields = append(fields, cur.String())
			}
			cur.Reset()
		default:
			cur.WriteByte(ch)
		}
	}
	if cur.Len() > 0 {
		fields = append(fields, cur.String())
	}
	return fields
}

var escaper = strings.NewReplacer(`\`, `\\`, `;`, `\;`, `,`, `\,`, `:`, `\:`, `"`, `\"`)

func escape(s string) string { return escaper.Replace(s) }

func normalizeSecurity(t string) string {
	switch strings.ToUpper(t) {
	case "WPA", "WPA/WPA2":
		return device.SecurityWPA
	case "WPA2", "WPA2-PSK", "SAE", "WPA3":
		return device.SecurityWPA2
	case "WEP":
		return device.SecurityWEP
	case "NOPASS", "OPEN", "NONE":
		return device.SecurityNoPass
	}
	return strings.ToUpper(t)
}
