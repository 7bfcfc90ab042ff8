package telephony

import (
	"bytes"
	"encoding/xml"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
)

// AnswerParams carries the per-call options that the answer response must
// thread through to the media stream.
type AnswerParams struct {
	Host           string // public host, no scheme
	SpeakFirst     bool
	InitialMessage string
}

type twimlResponse struct {
	XMLName xml.Name      `xml:"Response"`
	Connect *twimlConnect `xml:"Connect,omitempty"`
}

type twimlConnect struct {
	Stream twimlStream `xml:"Stream"`
}

type twimlStream struct {
	URL string `xml:"url,attr"`
}

// MediaStreamURL builds the wss:// URL the provider connects its media
// socket to. Query encoding sorts keys, so the output is deterministic.
func MediaStreamURL(p AnswerParams) string {
	q := url.Values{}
	q.Set("speakFirst", strconv.FormatBool(p.SpeakFirst))
	if p.InitialMessage != "" {
		q.Set("initialMessage", p.InitialMessage)
	}
	return "wss://" + p.Host + "/media-stream?" + q.Encode()
}

// RenderAnswer produces the XML answer document that tells the provider to
// open a bidirectional media stream.
func RenderAnswer(p AnswerParams) (string, error) {
	if p.Host == "" {
		return "", eris.New("telephony: answer host is required")
	}
	doc := twimlResponse{
		Connect: &twimlConnect{Stream: twimlStream{URL: MediaStreamURL(p)}},
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return "", eris.Wrap(err, "telephony: encode answer")
	}
	if err := enc.Flush(); err != nil {
		return "", eris.Wrap(err, "telephony: encode answer")
	}
	return buf.String(), nil
}

// CallbackURLs are the webhook endpoints handed to the provider when a
// call is initiated.
type CallbackURLs struct {
	Answer    string
	Status    string
	Recording string
}

// BuildCallbackURLs derives the three webhook URLs from the public base
// URL, threading the bridge options into the answer URL query.
func BuildCallbackURLs(publicBaseURL string, speakFirst bool, initialMessage string) (*CallbackURLs, error) {
	base := strings.TrimRight(publicBaseURL, "/")
	if base == "" {
		return nil, eris.New("telephony: public base URL is required")
	}

	q := url.Values{}
	q.Set("speakFirst", strconv.FormatBool(speakFirst))
	if initialMessage != "" {
		q.Set("initialMessage", initialMessage)
	}
	return &CallbackURLs{
		Answer:    base + "/twilio/voice/answer?" + q.Encode(),
		Status:    base + "/twilio/voice/status",
		Recording: base + "/twilio/voice/recording",
	}, nil
}
