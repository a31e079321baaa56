package fingerprint

import (
	http "github.com/sardanioss/http"
)

// profile holds the headers a preset sends when the caller did not set them.
type profile struct {
	UserAgent      string
	Accept         string
	AcceptLanguage string
}

var profiles = map[Preset]profile{
	Chrome: {
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	Edge: {
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/143.0.0.0 Safari/537.36 Edg/143.0.0.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,image/avif,image/webp,image/apng,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	Firefox: {
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:133.0) Gecko/20100101 Firefox/133.0",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.5",
	},
	Safari: {
		UserAgent:      "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Safari/605.1.15",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
	IOS: {
		UserAgent:      "Mozilla/5.0 (iPhone; CPU iPhone OS 18_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/18.1 Mobile/15E148 Safari/604.1",
		Accept:         "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8",
		AcceptLanguage: "en-US,en;q=0.9",
	},
}

// ApplyHeaders fills in the preset's default headers that h does not already
// carry. Golang adds nothing.
func ApplyHeaders(h http.Header, p Preset) {
	prof, ok := profiles[p]
	if !ok {
		return
	}
	setDefault(h, "User-Agent", prof.UserAgent)
	setDefault(h, "Accept", prof.Accept)
	setDefault(h, "Accept-Language", prof.AcceptLanguage)
}

func setDefault(h http.Header, key, value string) {
	if _, ok := h[key]; ok {
		return
	}
	h.Set(key, value)
}
