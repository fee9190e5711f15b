package stage

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"sort"
	"strings"
)

// Params is the canonical, immutable request snapshot a task was created
// with. Field order is fixed so its JSON encoding is deterministic.
type Params struct {
	URL            string `json:"url,omitempty"`
	AudioRef       string `json:"audio_ref,omitempty"`
	TranscriptRef  string `json:"transcript_ref,omitempty"`
	Language       string `json:"language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	NeedTranslate  bool   `json:"need_translate,omitempty"`
	// URLs lists the items of a batch; each becomes one child task.
	URLs []string `json:"urls,omitempty"`
}

// Normalize trims incidental formatting so equivalent requests compare equal.
func (p Params) Normalize() (Params, error) {
	p.AudioRef = strings.TrimSpace(p.AudioRef)
	p.TranscriptRef = strings.TrimSpace(p.TranscriptRef)
	p.Language = strings.ToLower(strings.TrimSpace(p.Language))
	p.TargetLanguage = strings.ToLower(strings.TrimSpace(p.TargetLanguage))
	if p.URL != "" {
		u, err := NormalizeURL(p.URL)
		if err != nil {
			return p, err
		}
		p.URL = u
	}
	if len(p.URLs) > 0 {
		urls := make([]string, len(p.URLs))
		for i, raw := range p.URLs {
			u, err := NormalizeURL(raw)
			if err != nil {
				return p, fmt.Errorf("urls[%d]: %w", i, err)
			}
			urls[i] = u
		}
		p.URLs = urls
	}
	return p, nil
}

var trackingParams = map[string]bool{"si": true, "feature": true, "pp": true}

// NormalizeURL lowercases scheme and host, strips default ports, fragments
// and tracking parameters, sorts the query and rewrites the short and
// shorts YouTube forms to the canonical watch URL.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parse url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", errors.New("url scheme must be http or https")
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return "", errors.New("url host is required")
	}
	port := u.Port()
	if (u.Scheme == "http" && port == "80") || (u.Scheme == "https" && port == "443") {
		port = ""
	}
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil

	q := u.Query()
	for k := range q {
		if trackingParams[k] || strings.HasPrefix(k, "utm_") {
			q.Del(k)
		}
	}

	switch {
	case host == "youtu.be":
		id := strings.Trim(u.Path, "/")
		if id != "" {
			q.Set("v", id)
			u.Scheme, host, port, u.Path = "https", "www.youtube.com", "", "/watch"
		}
	case host == "youtube.com" || host == "www.youtube.com" || host == "m.youtube.com":
		host = "www.youtube.com"
		u.Scheme = "https"
		if id, ok := strings.CutPrefix(u.Path, "/shorts/"); ok && id != "" {
			q.Set("v", strings.Trim(id, "/"))
			u.Path = "/watch"
		}
	}

	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}
	u.RawQuery = encodeSorted(q)
	return u.String(), nil
}

func encodeSorted(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		vs := append([]string(nil), q[k]...)
		sort.Strings(vs)
		for _, v := range vs {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// CacheInput is the subset of inputs a stage's result depends on. Two
// tasks with equal CacheInput for a stage produce the same artifact.
type CacheInput struct {
	URL            string `json:"url,omitempty"`
	AudioRef       string `json:"audio_ref,omitempty"`
	TranscriptRef  string `json:"transcript_ref,omitempty"`
	Language       string `json:"language,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
	NeedTranslate  bool   `json:"need_translate,omitempty"`
	// Variant captures handler configuration that changes the artifact,
	// such as line-split budgets.
	Variant string `json:"variant,omitempty"`
}

// CacheInputFor selects the inputs relevant to s. Artifacts from earlier
// stages take precedence over refs supplied in params.
func CacheInputFor(s Stage, p Params, artifacts map[string]string) CacheInput {
	switch s {
	case Download:
		return CacheInput{URL: p.URL}
	case Transcribe:
		ref := p.AudioRef
		if a := artifacts[Download.ArtifactName()]; a != "" {
			ref = a
		}
		return CacheInput{AudioRef: ref, Language: p.Language}
	case Subtitle:
		ref := p.TranscriptRef
		if a := artifacts[Transcribe.ArtifactName()]; a != "" {
			ref = a
		}
		in := CacheInput{TranscriptRef: ref, NeedTranslate: p.NeedTranslate}
		if p.NeedTranslate {
			in.TargetLanguage = p.TargetLanguage
		}
		return in
	}
	return CacheInput{}
}
