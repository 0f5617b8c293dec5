package telephony

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

type twimlResponse struct {
	XMLName xml.Name `xml:"Response"`
	Verbs   []any    `xml:",any"`
}

type twimlSay struct {
	XMLName  xml.Name `xml:"Say"`
	Voice    string   `xml:"voice,attr,omitempty"`
	Language string   `xml:"language,attr,omitempty"`
	Text     string   `xml:",chardata"`
}

type twimlGather struct {
	XMLName       xml.Name `xml:"Gather"`
	Input         string   `xml:"input,attr"`
	Action        string   `xml:"action,attr"`
	Method        string   `xml:"method,attr"`
	Timeout       int      `xml:"timeout,attr"`
	SpeechTimeout string   `xml:"speechTimeout,attr"`
}

type twimlRedirect struct {
	XMLName xml.Name `xml:"Redirect"`
	Method  string   `xml:"method,attr"`
	URL     string   `xml:",chardata"`
}

type twimlHangup struct {
	XMLName xml.Name `xml:"Hangup"`
}

const (
	sayVoice    = "alice"
	sayLanguage = "en-US"
	noInputText = "I didn't hear anything."

	// NoInputParam marks the redirect that follows a gather without speech.
	NoInputParam = "noinput"
)

// Reply is what the agent says next and whether the call should end.
type Reply struct {
	Text   string
	Hangup bool
	// GatherURL receives the next speech result; required unless Hangup.
	GatherURL string
}

// RenderTwiML maps an agent reply to TwiML: speak the text, then either hang
// up or gather the contact's speech. On silence the call is redirected back to
// the gather URL with NoInputParam set.
func RenderTwiML(r Reply) (string, error) {
	var resp twimlResponse
	if text := strings.TrimSpace(r.Text); text != "" {
		resp.Verbs = append(resp.Verbs, twimlSay{Voice: sayVoice, Language: sayLanguage, Text: text})
	}

	if r.Hangup {
		resp.Verbs = append(resp.Verbs, twimlHangup{})
	} else {
		if strings.TrimSpace(r.GatherURL) == "" {
			return "", errors.New("telephony: gather url required when the call continues")
		}
		silent, err := url.Parse(r.GatherURL)
		if err != nil {
			return "", fmt.Errorf("telephony: gather url: %w", err)
		}
		q := silent.Query()
		q.Set(NoInputParam, "1")
		silent.RawQuery = q.Encode()
		resp.Verbs = append(resp.Verbs,
			twimlGather{Input: "speech", Action: r.GatherURL, Method: "POST", Timeout: 5, SpeechTimeout: "auto"},
			twimlSay{Voice: sayVoice, Language: sayLanguage, Text: noInputText},
			twimlRedirect{Method: "POST", URL: silent.String()},
		)
	}

	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	enc := xml.NewEncoder(&buf)
	enc.Indent("", "  ")
	if err := enc.Encode(resp); err != nil {
		return "", err
	}
	if err := enc.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// EmptyTwiML acknowledges a callback without instructions.
func EmptyTwiML() string {
	return xml.Header + "<Response></Response>"
}
