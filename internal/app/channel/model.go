package channel

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

type Channel struct {
	ID          int    `json:"id" gorm:"primaryKey;autoIncrement:false"`
	Name        string `json:"name" gorm:"not null"`
	Description string `json:"description" gorm:"not null;default:''"`
}

var ErrInvalidChannelID = errors.New("invalid channel id")

// MasterChannels is the fixed channel table upserted at startup.
var MasterChannels = []Channel{
	{ID: 1, Name: "NHK総合"},
	{ID: 2, Name: "NHK Eテレ"},
	{ID: 4, Name: "日本テレビ"},
	{ID: 5, Name: "テレビ朝日"},
	{ID: 6, Name: "TBSテレビ"},
	{ID: 7, Name: "テレビ東京"},
	{ID: 8, Name: "フジテレビ"},
	{ID: 9, Name: "TOKYO MX"},
	{ID: 10, Name: "テレ玉"},
	{ID: 11, Name: "tvk"},
	{ID: 12, Name: "チバテレビ"},
	{ID: 13, Name: "サンテレビ"},
	{ID: 14, Name: "KBS京都"},
	{ID: 101, Name: "NHK BS"},
	{ID: 103, Name: "NHK BSプレミアム"},
	{ID: 141, Name: "BS日テレ"},
	{ID: 151, Name: "BS朝日"},
	{ID: 161, Name: "BS-TBS"},
	{ID: 171, Name: "BSテレ東"},
	{ID: 181, Name: "BSフジ"},
	{ID: 191, Name: "WOWOW PRIME"},
	{ID: 192, Name: "WOWOW LIVE"},
	{ID: 193, Name: "WOWOW CINEMA"},
	{ID: 200, Name: "BS10"},
	{ID: 211, Name: "BS11"},
	{ID: 222, Name: "BS12"},
	{ID: 236, Name: "BSアニマックス"},
	{ID: 252, Name: "WOWOW PLUS"},
	{ID: 260, Name: "BS松竹東急"},
	{ID: 263, Name: "BSJapanext"},
	{ID: 265, Name: "BSよしもと"},
	{ID: 333, Name: "AT-X"},
}

// aliases maps a legacy channel to the channel that now carries its live threads.
var aliases = map[int]int{
	263: 200,
}

var knownIDs = func() map[int]struct{} {
	m := make(map[int]struct{}, len(MasterChannels))
	for _, ch := range MasterChannels {
		m[ch.ID] = struct{}{}
	}
	return m
}()

// IsKnown reports whether id belongs to the master table.
func IsKnown(id int) bool {
	_, ok := knownIDs[id]
	return ok
}

// IsAlias reports whether id only forwards to another channel.
func IsAlias(id int) bool {
	_, ok := aliases[id]
	return ok
}

// AliasTarget returns the channel serving id's live threads and whether id was an alias.
func AliasTarget(id int) (int, bool) {
	if target, ok := aliases[id]; ok {
		return target, true
	}
	return id, false
}

// ParseChannelID accepts "jk211" (and a bare "211") and returns 211.
func ParseChannelID(s string) (int, error) {
	raw := strings.TrimPrefix(strings.TrimSpace(s), "jk")
	id, err := strconv.Atoi(raw)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidChannelID, s)
	}
	return id, nil
}

func FormatChannelID(id int) string {
	return "jk" + strconv.Itoa(id)
}

type ErrorResponse struct {
	Error string `json:"error"`
}
