package services

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
)

// decodeImage decodes a base64 image payload as sent by clients. A data URL prefix is accepted and
// dropped. The media type is sniffed from the decoded bytes.
func decodeImage(payload string) ([]byte, string, error) {
	if _, after, ok := strings.Cut(payload, ";base64,"); ok && strings.HasPrefix(payload, "data:") {
		payload = after
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return data, http.DetectContentType(data), nil
}

// imageDataURL returns payload as a data URL.
func imageDataURL(payload string) (string, error) {
	data, mediaType, err := decodeImage(payload)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("data:%s;base64,%s", mediaType, base64.StdEncoding.EncodeToString(data)), nil
}
