package session

import (
	"strings"

	"github.com/amplifier-run/runtime/pkg/bundlehost"
	"github.com/amplifier-run/runtime/pkg/protocol"
)

// imageSizeThreshold is the spec §4.3 cutoff above which an image
// payload's data is replaced by the omission sentinel.
const imageSizeThreshold = 1024

const imageOmittedSentinel = "[image data omitted]"

// sanitizeImages walks a bundle event payload and replaces any inline
// image data larger than imageSizeThreshold with a sentinel string. It
// is the only transformation ever applied to payload contents.
func sanitizeImages(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, vv := range val {
			out[k] = sanitizeImages(vv)
		}
		if out["type"] == "image" {
			if source, ok := out["source"].(map[string]any); ok {
				if data, ok := source["data"].(string); ok && len(data) > imageSizeThreshold {
					sourceCopy := make(map[string]any, len(source))
					for k, v := range source {
						sourceCopy[k] = v
					}
					sourceCopy["data"] = imageOmittedSentinel
					out["source"] = sourceCopy
				}
			}
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, vv := range val {
			out[i] = sanitizeImages(vv)
		}
		return out
	default:
		return v
	}
}

func sanitizeData(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	sanitized, ok := sanitizeImages(data).(map[string]any)
	if !ok {
		return data
	}
	return sanitized
}

// mapBundleEvent translates one bundle host event into zero or more
// protocol events, per the table in spec §4.3. prompt:submit and
// prompt:complete are absorbed: the command handler emits its own
// envelope events around a turn instead of forwarding the host's.
func mapBundleEvent(be bundlehost.Event, showThinking bool) []protocol.Event {
	data := sanitizeData(be.Data)

	switch be.Kind {
	case bundlehost.KindContentBlockStart:
		return []protocol.Event{protocol.Notification(protocol.EventContentStart, withBlock(data, be.Block, be.Index))}
	case bundlehost.KindContentBlockDelta:
		return []protocol.Event{protocol.Notification(protocol.EventContentDelta, withIndex(data, be.Index))}
	case bundlehost.KindContentBlockEnd:
		return []protocol.Event{protocol.Notification(protocol.EventContentEnd, withBlock(data, be.Block, be.Index))}
	case bundlehost.KindThinkingDelta:
		if !showThinking {
			return nil
		}
		return []protocol.Event{protocol.Notification(protocol.EventThinkingDelta, data)}
	case bundlehost.KindThinkingFinal:
		if !showThinking {
			return nil
		}
		return []protocol.Event{protocol.Notification(protocol.EventThinkingEnd, data)}
	case bundlehost.KindToolPre:
		return []protocol.Event{protocol.Notification(protocol.EventToolCall, data)}
	case bundlehost.KindToolPost:
		return []protocol.Event{protocol.Notification(protocol.EventToolResult, data)}
	case bundlehost.KindToolError:
		return []protocol.Event{protocol.Notification(protocol.EventToolError, data)}
	case bundlehost.KindApprovalRequired:
		return []protocol.Event{protocol.Notification(protocol.EventApprovalRequired, data)}
	case bundlehost.KindPromptSubmit, bundlehost.KindPromptComplete:
		return nil
	case bundlehost.KindError:
		return []protocol.Event{protocol.Error("", protocol.CodeExecutionError, stringField(data, "error"))}
	default:
		// Pass-through with dotted rename, per spec §4.3's catch-all row.
		return []protocol.Event{protocol.Notification(dottedRename(string(be.Kind)), data)}
	}
}

func withIndex(data map[string]any, index int) map[string]any {
	out := cloneData(data)
	out["index"] = index
	return out
}

func withBlock(data map[string]any, block bundlehost.BlockType, index int) map[string]any {
	out := withIndex(data, index)
	out["block_type"] = string(block)
	return out
}

func cloneData(data map[string]any) map[string]any {
	out := make(map[string]any, len(data)+1)
	for k, v := range data {
		out[k] = v
	}
	return out
}

func stringField(data map[string]any, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func dottedRename(kind string) string {
	return strings.ReplaceAll(kind, ":", ".")
}
