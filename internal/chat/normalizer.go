package chat

import (
	"bytes"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/tidwall/gjson"
)

// Shape names the payload variant a webhook response was recognized as.
type Shape string

const (
	ShapeBinaryFiles Shape = "binary_files"
	ShapeNested      Shape = "nested"
	ShapeFlat        Shape = "flat"
	ShapeEncodedJSON Shape = "encoded_json"
	ShapePlainText   Shape = "plain_text"
	ShapeUnknown     Shape = "unknown"
)

// protectedBinaryPath marks backend URLs that only serve files to authenticated editors.
const protectedBinaryPath = "/rest/binary-data"

var webhookPathMarkers = []string{"/webhook-test/", "/webhook/"}

// top-level keys that make an object a flat response
var flatKeys = []string{"videoUrl", "captionVariants", "legendas", "generate_video", "video_prompt", "videoError"}

// Normalize reduces any webhook payload to a NormalizedResponse. It never fails:
// payloads it does not recognize become an apology text.
func Normalize(raw []byte, endpoint string) NormalizedResponse {
	resp, _ := normalizeWithShape(raw, endpoint)
	return resp
}

func normalizeWithShape(raw []byte, endpoint string) (NormalizedResponse, Shape) {
	body := bytes.TrimSpace(raw)
	if len(body) == 0 {
		return apology(), ShapeUnknown
	}
	if !gjson.ValidBytes(body) {
		// some workflows answer with a bare text body
		return NormalizedResponse{Text: string(body)}, ShapePlainText
	}
	return normalizeDocument(gjson.ParseBytes(body), endpoint)
}

func normalizeDocument(doc gjson.Result, endpoint string) (NormalizedResponse, Shape) {
	switch {
	case doc.IsArray():
		items := doc.Array()
		if len(items) == 0 {
			return apology(), ShapeUnknown
		}
		if resp, ok := parseBinaryFiles(items, endpoint); ok {
			return resp, ShapeBinaryFiles
		}
		if items[0].IsArray() {
			return apology(), ShapeUnknown
		}
		return normalizeDocument(items[0], endpoint)
	case doc.IsObject():
		return normalizeObject(doc)
	case doc.Type == gjson.String:
		if inner, ok := decodeObject(doc.Str); ok {
			if resp, _, ok := parseDecoded(inner); ok {
				return finalize(resp), ShapeEncodedJSON
			}
		}
		if text := strings.TrimSpace(doc.Str); text != "" {
			return NormalizedResponse{Text: text}, ShapePlainText
		}
	}
	return apology(), ShapeUnknown
}

type objectVariant struct {
	shape Shape
	parse func(obj gjson.Result) (NormalizedResponse, bool)
}

// objectVariants is tried in order; the first strict match wins.
var objectVariants = []objectVariant{
	{ShapeNested, parseNested},
	{ShapeFlat, parseFlat},
	{ShapeEncodedJSON, parseEncoded},
	{ShapePlainText, parsePlain},
}

func normalizeObject(obj gjson.Result) (NormalizedResponse, Shape) {
	for _, v := range objectVariants {
		resp, ok := v.parse(obj)
		if !ok {
			continue
		}
		resp.VideoRequested = resp.VideoRequested || videoFlags(obj) || videoFlags(obj.Get("response"))
		return finalize(resp), v.shape
	}
	return apology(), ShapeUnknown
}

func parseNested(obj gjson.Result) (NormalizedResponse, bool) {
	inner := obj.Get("response")
	if !inner.IsObject() {
		return NormalizedResponse{}, false
	}
	text, encoded := textField(inner, "text", "message")
	if encoded {
		return NormalizedResponse{}, false
	}
	if text == "" && !hasAny(inner, flatKeys...) {
		return NormalizedResponse{}, false
	}
	if text == "" {
		if outer, outerEncoded := textField(obj, "text", "message", "output"); !outerEncoded {
			text = outer
		}
	}
	return NormalizedResponse{
		Text:            text,
		VideoURL:        firstString(inner.Get("videoUrl"), obj.Get("videoUrl")),
		CaptionVariants: captionsOf(inner, obj),
		VideoRequested:  videoFlags(inner) || videoFlags(obj),
		VideoError:      firstNonEmpty(videoErrorOf(inner), videoErrorOf(obj)),
	}, true
}

func parseFlat(obj gjson.Result) (NormalizedResponse, bool) {
	if !hasAny(obj, flatKeys...) {
		return NormalizedResponse{}, false
	}
	text, encoded := textField(obj, "text", "message", "output")
	if encoded {
		return NormalizedResponse{}, false
	}
	if _, nestedEncoded := textField(obj.Get("response"), "text", "message"); nestedEncoded {
		return NormalizedResponse{}, false
	}
	return NormalizedResponse{
		Text:            text,
		VideoURL:        firstString(obj.Get("videoUrl")),
		CaptionVariants: captionsOf(obj),
		VideoRequested:  videoFlags(obj),
		VideoError:      videoErrorOf(obj),
	}, true
}

// parseEncoded handles a text-like field that itself carries a JSON object.
func parseEncoded(obj gjson.Result) (NormalizedResponse, bool) {
	candidates := []gjson.Result{
		obj.Get("text"), obj.Get("message"), obj.Get("output"),
		obj.Get("response.text"), obj.Get("response.message"),
	}
	for _, c := range candidates {
		if c.Type != gjson.String {
			continue
		}
		inner, ok := decodeObject(c.Str)
		if !ok {
			continue
		}
		resp, _, ok := parseDecoded(inner)
		if !ok {
			continue
		}
		// fields carried next to the encoded text still count
		if resp.VideoURL == "" {
			resp.VideoURL = firstString(obj.Get("response.videoUrl"), obj.Get("videoUrl"))
		}
		if resp.CaptionVariants == nil {
			resp.CaptionVariants = captionsOf(obj.Get("response"), obj)
		}
		if resp.VideoError == "" {
			resp.VideoError = firstNonEmpty(videoErrorOf(obj.Get("response")), videoErrorOf(obj))
		}
		return resp, true
	}
	return NormalizedResponse{}, false
}

// parseDecoded re-applies the nested, flat and plain variants to a decoded object.
func parseDecoded(inner gjson.Result) (NormalizedResponse, Shape, bool) {
	for _, v := range []objectVariant{{ShapeNested, parseNested}, {ShapeFlat, parseFlat}, {ShapePlainText, parsePlain}} {
		if resp, ok := v.parse(inner); ok {
			resp.VideoRequested = resp.VideoRequested || videoFlags(inner) || videoFlags(inner.Get("response"))
			return resp, v.shape, true
		}
	}
	return NormalizedResponse{}, ShapeUnknown, false
}

func parsePlain(obj gjson.Result) (NormalizedResponse, bool) {
	text, _ := textField(obj, "text", "message", "output")
	if text == "" {
		return NormalizedResponse{}, false
	}
	return NormalizedResponse{Text: text}, true
}

func parseBinaryFiles(items []gjson.Result, endpoint string) (NormalizedResponse, bool) {
	first := items[0]
	if !first.IsObject() || !first.Get("id").Exists() {
		return NormalizedResponse{}, false
	}
	fileType := strings.ToLower(strings.TrimSpace(first.Get("fileType").String()))
	mimeType := strings.ToLower(strings.TrimSpace(first.Get("mimeType").String()))
	if fileType == "" && mimeType == "" {
		return NormalizedResponse{}, false
	}

	id := strings.TrimSpace(first.Get("id").String())
	name := firstNonEmpty(strings.TrimSpace(first.Get("fileName").String()), id)
	size := humanSize(first.Get("fileSize"))

	if fileType != "video" && !strings.HasPrefix(mimeType, "video/") {
		return NormalizedResponse{Text: fmt.Sprintf(fileReceivedText, name, size)}, true
	}

	videoURL := binaryFileURL(endpoint, id)
	if strings.Contains(videoURL, protectedBinaryPath) {
		return NormalizedResponse{
			Text:       fmt.Sprintf(protectedVideoText, name, size),
			VideoError: protectedVideoError,
		}, true
	}
	return NormalizedResponse{Text: videoReadyText, VideoURL: videoURL}, true
}

func binaryFileURL(endpoint, id string) string {
	if strings.HasPrefix(id, "http://") || strings.HasPrefix(id, "https://") {
		return id
	}
	return webhookBase(endpoint) + protectedBinaryPath + "?id=" + url.QueryEscape(id) + "&action=view"
}

// webhookBase returns the endpoint portion before its webhook segment.
func webhookBase(endpoint string) string {
	for _, marker := range webhookPathMarkers {
		if i := strings.Index(endpoint, marker); i >= 0 {
			return endpoint[:i]
		}
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func finalize(resp NormalizedResponse) NormalizedResponse {
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.Text != "" {
		return resp
	}
	switch {
	case resp.VideoURL != "":
		resp.Text = videoReadyText
	case resp.VideoLoading():
		resp.Text = videoRequestedText
	default:
		resp.Text = apologyText
	}
	return resp
}

func apology() NormalizedResponse {
	return NormalizedResponse{Text: apologyText}
}

// textField returns the first non-empty text-like value and whether it is an encoded JSON object.
func textField(obj gjson.Result, keys ...string) (string, bool) {
	for _, k := range keys {
		v := obj.Get(k)
		var s string
		switch v.Type {
		case gjson.String:
			s = strings.TrimSpace(v.Str)
		case gjson.Number:
			s = v.Raw
		}
		if s == "" {
			continue
		}
		if _, ok := decodeObject(s); ok {
			return s, true
		}
		return s, false
	}
	return "", false
}

func decodeObject(s string) (gjson.Result, bool) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "{") || !gjson.Valid(s) {
		return gjson.Result{}, false
	}
	doc := gjson.Parse(s)
	return doc, doc.IsObject()
}

func videoFlags(obj gjson.Result) bool {
	if !obj.IsObject() {
		return false
	}
	return truthy(obj.Get("generate_video")) || truthy(obj.Get("video_prompt"))
}

func truthy(v gjson.Result) bool {
	switch v.Type {
	case gjson.True:
		return true
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if b, err := strconv.ParseBool(s); err == nil {
			return b
		}
		return s != ""
	case gjson.Number:
		return v.Num != 0
	case gjson.JSON:
		return v.Raw != "{}" && v.Raw != "[]"
	}
	return false
}

func videoErrorOf(obj gjson.Result) string {
	v := obj.Get("videoError")
	switch v.Type {
	case gjson.String:
		return strings.TrimSpace(v.Str)
	case gjson.True:
		return "video generation failed"
	}
	return ""
}

func captionsOf(objs ...gjson.Result) *CaptionVariants {
	for _, obj := range objs {
		for _, key := range []string{"captionVariants", "legendas"} {
			c := obj.Get(key)
			if !c.IsObject() {
				continue
			}
			cv := &CaptionVariants{
				Urgency: strings.TrimSpace(c.Get("urgencia").String()),
				Benefit: strings.TrimSpace(c.Get("beneficio").String()),
				Desire:  strings.TrimSpace(c.Get("desejo").String()),
			}
			if !cv.empty() {
				return cv
			}
		}
	}
	return nil
}

func hasAny(obj gjson.Result, keys ...string) bool {
	for _, k := range keys {
		if obj.Get(k).Exists() {
			return true
		}
	}
	return false
}

func firstString(vals ...gjson.Result) string {
	for _, v := range vals {
		if v.Type == gjson.String {
			if s := strings.TrimSpace(v.Str); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func humanSize(v gjson.Result) string {
	switch v.Type {
	case gjson.Number:
		if v.Num >= 0 {
			return humanize.Bytes(uint64(v.Num))
		}
	case gjson.String:
		s := strings.TrimSpace(v.Str)
		if n, err := strconv.ParseUint(s, 10, 64); err == nil {
			return humanize.Bytes(n)
		}
		if s != "" {
			return s
		}
	}
	return "unknown size"
}
