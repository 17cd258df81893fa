package processor

import (
	"fmt"
	"regexp"
	"strconv"
	"time"
)

var srtTimestamp = regexp.MustCompile(`(\d{2}):(\d{2}):(\d{2}),(\d{3})`)

// ShiftSRT delays every timestamp of an SRT document by offset so subtitles
// stay aligned after silence is prepended to the narration.
func ShiftSRT(srt string, offset time.Duration) string {
	if offset == 0 {
		return srt
	}
	return srtTimestamp.ReplaceAllStringFunc(srt, func(ts string) string {
		m := srtTimestamp.FindStringSubmatch(ts)
		h, _ := strconv.Atoi(m[1])
		mi, _ := strconv.Atoi(m[2])
		s, _ := strconv.Atoi(m[3])
		ms, _ := strconv.Atoi(m[4])
		d := time.Duration(h)*time.Hour + time.Duration(mi)*time.Minute +
			time.Duration(s)*time.Second + time.Duration(ms)*time.Millisecond + offset
		d = max(d, 0)
		return fmt.Sprintf("%02d:%02d:%02d,%03d",
			int(d/time.Hour), int(d/time.Minute)%60, int(d/time.Second)%60, int(d/time.Millisecond)%1000)
	})
}
