// Package validate checks chat attachments before they are forwarded to a provider.
package validate

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/Plonkawojciech/open-kaap-pro/internal/core"
	"github.com/Plonkawojciech/open-kaap-pro/internal/util"
)

// Image validates one base64 encoded image payload.
func Image(mediaType, data string) error {
	if !slices.ContainsFunc(core.SupportedImageFormats, func(f string) bool { return strings.EqualFold(f, mediaType) }) {
		return fmt.Errorf("unsupported image format: %s. Supported formats: %v", mediaType, core.SupportedImageFormats)
	}

	// Reject on encoded length before decoding.
	estimatedSize := int64(len(data)) * 3 / 4
	if estimatedSize > core.MaxImageSizeBytes {
		return fmt.Errorf("image data too large: estimated %d bytes exceeds %d limit", estimatedSize, core.MaxImageSizeBytes)
	}

	decoded, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return fmt.Errorf("invalid base64 data: %w", err)
	}
	if int64(len(decoded)) > core.MaxImageSizeBytes {
		return fmt.Errorf("image size %d bytes exceeds maximum allowed size %d bytes", len(decoded), core.MaxImageSizeBytes)
	}
	return nil
}

// SplitDataURL splits "data:<mime>;base64,<payload>". Non-base64 and remote URLs are
// rejected.
func SplitDataURL(url string) (mediaType, data string, ok bool) {
	rest, found := strings.CutPrefix(url, "data:")
	if !found {
		return "", "", false
	}
	header, payload, found := strings.Cut(rest, ",")
	if !found {
		return "", "", false
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 || payload == "" {
		return "", "", false
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}
	return mediaType, payload, true
}

// Attachments checks every image attached to a user message. Other files are left to
// the providers, which skip what they cannot take.
func Attachments(messages []core.ChatMessage) error {
	for _, msg := range messages {
		if msg.Role != core.RoleUser {
			continue
		}
		for _, file := range msg.Files() {
			mediaType, data, ok := SplitDataURL(file.URL)
			if !ok || !strings.HasPrefix(mediaType, "image/") {
				continue
			}
			if err := Image(mediaType, data); err != nil {
				name := util.FirstNonEmpty(file.Filename, mediaType)
				return core.NewHTTPError(http.StatusBadRequest, "E_BAD_ATTACHMENT", "attachment %s rejected: %v", name, err)
			}
		}
	}
	return nil
}
