package visionclient

import (
	"fmt"
	"strings"

	"github.com/meshforge/orchestrator/internal/docstore"
)

// Style is the closed set of style descriptors selectable at generateViews
// time.
type Style string

const (
	StyleNone      Style = "none"
	StyleBobblehead Style = "bobblehead"
	StyleChibi     Style = "chibi"
	StyleCartoon   Style = "cartoon"
	StyleEmoji     Style = "emoji"
)

// angleDescription gives each closed angle a short role-directive phrase.
func angleDescription(angle docstore.Angle) string {
	switch angle {
	case docstore.AngleFront:
		return "the front-facing view of the object"
	case docstore.AngleBack:
		return "the rear view of the object, as if the camera orbited 180 degrees"
	case docstore.AngleLeft:
		return "the left-side profile view of the object"
	case docstore.AngleRight:
		return "the right-side profile view of the object"
	default:
		return string(angle)
	}
}

// buildAnglePrompt composes the fixed per-angle template from §4.3: a role
// directive, the angle description, the user description if present, the
// prior analysis palette verbatim to anchor colors, the selected style, and
// an optional regeneration hint.
func buildAnglePrompt(angle docstore.Angle, userDescription string, palette []string, style Style, hint string) string {
	var b strings.Builder
	b.WriteString("You are generating one consistent multi-angle view of a single physical object for 3D-print reference. ")
	b.WriteString("Render ")
	b.WriteString(angleDescription(angle))
	b.WriteString(". Keep the object's identity, proportions, and material identical across every angle. ")
	b.WriteString("Use a plain, uniform background.")

	if userDescription != "" {
		fmt.Fprintf(&b, " Additional description from the user: %q.", userDescription)
	}
	if len(palette) > 0 {
		fmt.Fprintf(&b, " Use exactly this color palette, verbatim, across every angle: %s.", strings.Join(palette, ", "))
	}
	if style != "" && style != StyleNone {
		fmt.Fprintf(&b, " Apply the %q stylization.", string(style))
	}
	if hint != "" {
		fmt.Fprintf(&b, " Regeneration guidance: %s.", hint)
	}
	return b.String()
}
