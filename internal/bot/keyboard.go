package bot

import (
	"fmt"
	"strconv"
	"strings"

	tele "gopkg.in/telebot.v4"
)

const hourCallbackPrefix = "hour:"

// hourKeyboard renders the 24-hour picker, four rows of six.
// Subscribed hours carry a check mark.
func hourKeyboard(selected map[int]bool) *tele.ReplyMarkup {
	rows := make([][]tele.InlineButton, 0, 4)
	for h := 0; h < 24; h += 6 {
		row := make([]tele.InlineButton, 0, 6)
		for i := h; i < h+6; i++ {
			text := fmt.Sprintf("%02d", i)
			if selected[i] {
				text = "✅" + text
			}
			row = append(row, tele.InlineButton{
				Text: text,
				Data: hourCallbackPrefix + strconv.Itoa(i),
			})
		}
		rows = append(rows, row)
	}
	return &tele.ReplyMarkup{InlineKeyboard: rows}
}

// parseHourCallback extracts the hour from picker callback data.
func parseHourCallback(data string) (int, bool) {
	rest, ok := strings.CutPrefix(data, hourCallbackPrefix)
	if !ok {
		return 0, false
	}
	h, err := strconv.Atoi(rest)
	if err != nil || h < 0 || h > 23 {
		return 0, false
	}
	return h, true
}
