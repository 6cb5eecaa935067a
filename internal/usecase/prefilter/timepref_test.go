package prefilter

import "testing"

func TestTimePreferenceBlocks(t *testing.T) {
	avoidMorning := TimePreference{Avoid: "morning"}
	if !avoidMorning.Blocks(9) {
		t.Fatalf("«не утром» должно закрывать 09:00")
	}
	if avoidMorning.Blocks(13) {
		t.Fatalf("«не утром» не должно закрывать 13:00")
	}

	preferEvening := TimePreference{Prefer: "evening"}
	if !preferEvening.Blocks(14) {
		t.Fatalf("предпочтение вечера должно закрывать 14:00")
	}
	if preferEvening.Blocks(19) {
		t.Fatalf("предпочтение вечера не должно закрывать 19:00")
	}

	if (TimePreference{}).Blocks(9) {
		t.Fatalf("без предпочтений часы открыты")
	}
}

func TestTimePreferenceDeferHour(t *testing.T) {
	if got := (TimePreference{}).DeferHour(8); got != 8 {
		t.Fatalf("без предпочтений откладываем на подъём, получили %d", got)
	}
	if got := (TimePreference{Avoid: "morning"}).DeferHour(8); got != 12 {
		t.Fatalf("«не утром» сдвигает отложенную отправку на 12, получили %d", got)
	}
	if got := (TimePreference{Prefer: "evening"}).DeferHour(8); got != 18 {
		t.Fatalf("предпочтение вечера сдвигает на 18, получили %d", got)
	}
}
