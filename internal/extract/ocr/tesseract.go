package ocr

import (
	"context"
	"fmt"

	"github.com/otiai10/gosseract/v2"
)

// Tesseract is a Recognizer backed by gosseract. A client is created per
// page because gosseract clients are not safe for concurrent use.
type Tesseract struct {
	language    string
	tessdataDir string
}

func NewTesseract(language, tessdataDir string) *Tesseract {
	return &Tesseract{language: language, tessdataDir: tessdataDir}
}

func (t *Tesseract) Text(ctx context.Context, image []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	client := gosseract.NewClient()
	defer client.Close()

	if t.tessdataDir != "" {
		if err := client.SetTessdataPrefix(t.tessdataDir); err != nil {
			return "", fmt.Errorf("set tessdata prefix: %w", err)
		}
	}
	if t.language != "" {
		if err := client.SetLanguage(t.language); err != nil {
			return "", fmt.Errorf("set language: %w", err)
		}
	}
	// keep runs of spaces so column gaps survive into line grouping
	if err := client.SetVariable("preserve_interword_spaces", "1"); err != nil {
		return "", fmt.Errorf("set variable: %w", err)
	}
	if err := client.SetImageFromBytes(image); err != nil {
		return "", fmt.Errorf("set image: %w", err)
	}
	text, err := client.Text()
	if err != nil {
		return "", fmt.Errorf("tesseract: %w", err)
	}
	return text, nil
}
