// Package locale handles the persisted display-language preference and the
// small set of user-facing notice strings that depend on it.
package locale

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	Japanese = "japanese"
	English  = "english"
)

// Load reads the single-line language preference file. A missing file is
// created with the fallback value, matching the original startup behavior.
func Load(path, fallback string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return "", fmt.Errorf("read language preference: %w", err)
		}
		if err := Save(path, fallback); err != nil {
			return "", err
		}
		return fallback, nil
	}
	lang := strings.TrimSpace(string(data))
	if lang == "" {
		return fallback, nil
	}
	return lang, nil
}

// Save rewrites the preference file with the given language.
func Save(path, lang string) error {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create preference dir: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(lang), 0o644); err != nil {
		return fmt.Errorf("write language preference: %w", err)
	}
	return nil
}

// Messages holds the localized status and error strings published to the
// frontend. The daemon itself logs in English regardless.
type Messages struct {
	Recording          string
	Merging            string
	Finished           string
	ItemUnit           string
	CommunicationError string
	SourceEmpty        string
	PartialEmpty       string
	DocumentTooLarge   string
}

// For returns the message set for a language. Anything other than
// "japanese" falls back to English, as the original did.
func For(lang string) Messages {
	if strings.EqualFold(strings.TrimSpace(lang), Japanese) {
		return Messages{
			Recording:          "音声作成中...",
			Merging:            "音声マージ中...",
			Finished:           "完了しました",
			ItemUnit:           "件",
			CommunicationError: "通信エラー",
			SourceEmpty:        "file/sourceフォルダが空です",
			PartialEmpty:       "対象が空です（file/partial）",
			DocumentTooLarge:   "文書が大きすぎます",
		}
	}
	return Messages{
		Recording:          "Making wavs...",
		Merging:            "Merging wavs...",
		Finished:           "Finished.",
		ItemUnit:           "items",
		CommunicationError: "communication error",
		SourceEmpty:        "file/source directory is empty",
		PartialEmpty:       "file/partial directory is empty",
		DocumentTooLarge:   "document is too large",
	}
}
