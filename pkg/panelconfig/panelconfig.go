// Package panelconfig holds the presentation tables a host hands to its chat
// panel UI: titles, button labels, message layout and theme colors and icons.
// The client core never reads them.
package panelconfig

import (
	"bytes"
	"os"
	"regexp"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

type HorizontalAlignment string

const (
	AlignLeft  HorizontalAlignment = "left"
	AlignRight HorizontalAlignment = "right"
)

func (a *HorizontalAlignment) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch HorizontalAlignment(strings.ToLower(strings.TrimSpace(s))) {
	case AlignLeft:
		*a = AlignLeft
	case AlignRight:
		*a = AlignRight
	default:
		return errors.Errorf("line %d: unknown alignment %q (left or right)", value.Line, s)
	}
	return nil
}

type ChatPanelStrings struct {
	JoinButton                 string `yaml:"join_button"`
	JoiningButton              string `yaml:"joining_button"`
	LeaveButton                string `yaml:"leave_button"`
	RetryButton                string `yaml:"retry_button"`
	EmptyChatTitle             string `yaml:"empty_chat_title"`
	EmptyChatJoinedSubtitle    string `yaml:"empty_chat_joined_subtitle"`
	EmptyChatNotJoinedSubtitle string `yaml:"empty_chat_not_joined_subtitle"`
	ComposerPlaceholder        string `yaml:"composer_placeholder"`
	JoinButtonTooltip          string `yaml:"join_button_tooltip"`
	UsersActiveLabel           string `yaml:"users_active_label"`
	GenericErrorLabel          string `yaml:"generic_error_label"`
}

// CollapsedStateOptions configures the collapsed bar.
type CollapsedStateOptions struct {
	MaxAvatars        int    `yaml:"max_avatars"`
	PanelTitle        string `yaml:"panel_title"`
	JoinButtonText    string `yaml:"join_button_text"`
	JoiningButtonText string `yaml:"joining_button_text"`
	LeaveButtonText   string `yaml:"leave_button_text"`
}

type MessageOptions struct {
	HorizontalAlignment HorizontalAlignment `yaml:"horizontal_alignment"`
	ShowAvatar          bool                `yaml:"show_avatar"`
	ShowUserName        bool                `yaml:"show_user_name"`
}

type ExpandedStateOptions struct {
	PanelTitle        string         `yaml:"panel_title"`
	PanelSubtitle     string         `yaml:"panel_subtitle"`
	JoinButtonText    string         `yaml:"join_button_text"`
	JoiningButtonText string         `yaml:"joining_button_text"`
	LeaveButtonText   string         `yaml:"leave_button_text"`
	IncomingMessage   MessageOptions `yaml:"incoming_message"`
	OutgoingMessage   MessageOptions `yaml:"outgoing_message"`
}

type ChatPanelConfiguration struct {
	PanelTitle            string                `yaml:"panel_title"`
	PanelSubtitle         string                `yaml:"panel_subtitle"`
	Strings               ChatPanelStrings      `yaml:"strings"`
	CollapsedStateOptions CollapsedStateOptions `yaml:"collapsed_state_options"`
	ExpandedStateOptions  ExpandedStateOptions  `yaml:"expanded_state_options"`
}

// Colors are "#RRGGBB" or "#AARRGGBB".
type PanelColors struct {
	Primary         string `yaml:"primary"`
	PrimaryContrast string `yaml:"primary_contrast"`
	Danger          string `yaml:"danger"`
	DangerContrast  string `yaml:"danger_contrast"`
	Background      string `yaml:"background"`
	Text            string `yaml:"text"`
	Subtext         string `yaml:"subtext"`
	Border          string `yaml:"border"`
}

// PanelIconography names the icon resources of the panel buttons.
type PanelIconography struct {
	Collapse     string `yaml:"collapse"`
	Expand       string `yaml:"expand"`
	Share        string `yaml:"share"`
	OverflowMenu string `yaml:"overflow_menu"`
	Join         string `yaml:"join"`
	Leave        string `yaml:"leave"`
}

type MessageStyle struct {
	BackgroundColor         string `yaml:"background_color"`
	BackgroundContrastColor string `yaml:"background_contrast_color"`
	BorderColor             string `yaml:"border_color"`
	UserNameColor           string `yaml:"user_name_color"`
}

type Theme struct {
	Colors               PanelColors      `yaml:"colors"`
	Icons                PanelIconography `yaml:"icons"`
	IncomingMessageStyle MessageStyle     `yaml:"incoming_message_style"`
	OutgoingMessageStyle MessageStyle     `yaml:"outgoing_message_style"`
}

// Panel is the file format: configuration and theme side by side.
type Panel struct {
	Configuration ChatPanelConfiguration `yaml:"configuration"`
	Theme         Theme                  `yaml:"theme"`
}

func Default() Panel {
	return Panel{
		Configuration: ChatPanelConfiguration{
			PanelTitle: "Chat",
			Strings: ChatPanelStrings{
				JoinButton:                 "Join",
				JoiningButton:              "Joining...",
				LeaveButton:                "Leave",
				RetryButton:                "Retry",
				EmptyChatTitle:             "No messages yet",
				EmptyChatJoinedSubtitle:    "Be the first one to say something",
				EmptyChatNotJoinedSubtitle: `Tap "Join" and be the first one to say something`,
				ComposerPlaceholder:        "Send a message",
				JoinButtonTooltip:          `"Join" & start messaging`,
				UsersActiveLabel:           "Active",
				GenericErrorLabel:          "Something went wrong...",
			},
			CollapsedStateOptions: CollapsedStateOptions{
				MaxAvatars:        3,
				JoinButtonText:    "Join",
				JoiningButtonText: "Joining...",
				LeaveButtonText:   "Leave",
			},
			ExpandedStateOptions: ExpandedStateOptions{
				JoinButtonText:    "Join",
				JoiningButtonText: "Joining...",
				LeaveButtonText:   "Leave",
				IncomingMessage:   MessageOptions{HorizontalAlignment: AlignLeft, ShowAvatar: true, ShowUserName: true},
				OutgoingMessage:   MessageOptions{HorizontalAlignment: AlignRight},
			},
		},
		Theme: Theme{
			Colors: PanelColors{
				Primary:         "#4CAF50",
				PrimaryContrast: "#FFFFFF",
				Danger:          "#F44336",
				DangerContrast:  "#FFFFFF",
				Background:      "#FFFFFF",
				Text:            "#000000",
				Subtext:         "#B3000000",
				Border:          "#1A000000",
			},
			IncomingMessageStyle: MessageStyle{
				BackgroundColor:         "#D3D3D3",
				BackgroundContrastColor: "#000000",
				BorderColor:             "#A9A9A9",
				UserNameColor:           "#000000",
			},
			OutgoingMessageStyle: MessageStyle{
				BackgroundColor:         "#000000",
				BackgroundContrastColor: "#FFFFFF",
				BorderColor:             "#A9A9A9",
				UserNameColor:           "#FFFFFF",
			},
		},
	}
}

// Load reads a panel file. Keys absent from the file keep their defaults.
func Load(path string) (Panel, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Panel{}, errors.Wrapf(err, "read panel config %s", path)
	}
	p, err := Parse(data)
	if err != nil {
		return Panel{}, errors.Wrapf(err, "panel config %s", path)
	}
	return p, nil
}

func Parse(data []byte) (Panel, error) {
	p := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil {
		return Panel{}, err
	}
	if err := p.Theme.Validate(); err != nil {
		return Panel{}, err
	}
	return p, nil
}

var colorRe = regexp.MustCompile(`^#([0-9a-fA-F]{6}|[0-9a-fA-F]{8})$`)

// Validate checks that every non-empty color is a hex color.
func (t Theme) Validate() error {
	colors := map[string]string{
		"colors.primary":          t.Colors.Primary,
		"colors.primary_contrast": t.Colors.PrimaryContrast,
		"colors.danger":           t.Colors.Danger,
		"colors.danger_contrast":  t.Colors.DangerContrast,
		"colors.background":       t.Colors.Background,
		"colors.text":             t.Colors.Text,
		"colors.subtext":          t.Colors.Subtext,
		"colors.border":           t.Colors.Border,
	}
	for prefix, s := range map[string]MessageStyle{
		"incoming_message_style": t.IncomingMessageStyle,
		"outgoing_message_style": t.OutgoingMessageStyle,
	} {
		colors[prefix+".background_color"] = s.BackgroundColor
		colors[prefix+".background_contrast_color"] = s.BackgroundContrastColor
		colors[prefix+".border_color"] = s.BorderColor
		colors[prefix+".user_name_color"] = s.UserNameColor
	}
	for key, c := range colors {
		if c != "" && !colorRe.MatchString(c) {
			return errors.Errorf("theme.%s: invalid color %q", key, c)
		}
	}
	return nil
}
