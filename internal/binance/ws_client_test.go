package binance

import (
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestStreamURLCoversBothChannels(t *testing.T) {
	c := NewWSClient("wss://example.test", []string{"BTCUSDT", "ETHUSDT"}, zerolog.Nop())
	url := c.StreamURL()
	for _, want := range []string{
		"btcusdt@bookTicker", "btcusdt@kline_1m",
		"ethusdt@bookTicker", "ethusdt@kline_1m",
	} {
		if !strings.Contains(url, want) {
			t.Errorf("stream URL missing %s: %s", want, url)
		}
	}
}

func TestParseBookTickerMidpoint(t *testing.T) {
	payload := []byte(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","s":"BTCUSDT","b":"100.0","a":"102.0","E":1700000000000}}`)
	ev, err := parseStreamMessage(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev == nil || ev.Tick == nil {
		t.Fatal("expected a price tick")
	}
	if ev.Tick.Price != 101.0 {
		t.Errorf("price = %v, want midpoint 101", ev.Tick.Price)
	}
	if ev.Tick.Symbol != "BTCUSDT" {
		t.Errorf("symbol = %q", ev.Tick.Symbol)
	}
	if ev.Tick.EventTimeMS != 1700000000000 {
		t.Errorf("event time = %v", ev.Tick.EventTimeMS)
	}
}

func TestParseBookTickerOneSided(t *testing.T) {
	payload := []byte(`{"stream":"btcusdt@bookTicker","data":{"e":"bookTicker","s":"BTCUSDT","b":"100.0","a":"0","E":1}}`)
	ev, err := parseStreamMessage(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev.Tick.Price != 100.0 {
		t.Errorf("price = %v, want bid side 100", ev.Tick.Price)
	}
}

func TestParseKlineUpdate(t *testing.T) {
	payload := []byte(`{"stream":"ethusdt@kline_1m","data":{"e":"kline","E":1700000005000,"s":"ETHUSDT","k":{"t":1700000000000,"T":1700000059999,"o":"3000.0","h":"3010.0","l":"2995.0","c":"3005.5","v":"42.0","x":true,"ignored_field":7}}}`)
	ev, err := parseStreamMessage(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev == nil || ev.Candle == nil {
		t.Fatal("expected a candle update")
	}
	c := ev.Candle.Candle
	if !c.IsClosed {
		t.Error("candle should be closed")
	}
	if c.OpenTimeMS != 1700000000000 || c.Close != 3005.5 || c.Volume != 42.0 {
		t.Errorf("candle fields mismatch: %+v", c)
	}
}

func TestParseUnknownStreamIgnored(t *testing.T) {
	payload := []byte(`{"stream":"btcusdt@markPrice","data":{"e":"markPriceUpdate","s":"BTCUSDT"}}`)
	ev, err := parseStreamMessage(payload)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if ev != nil {
		t.Errorf("unknown stream should be ignored, got %+v", ev)
	}
}

func TestParseMalformedFrameErrors(t *testing.T) {
	if _, err := parseStreamMessage([]byte(`not json`)); err == nil {
		t.Error("expected error on malformed frame")
	}
	if _, err := parseStreamMessage([]byte(`{"stream":"btcusdt@kline_1m","data":{"k":{"o":"not-a-number"}}}`)); err == nil {
		t.Error("expected error on malformed kline numbers")
	}
}

func TestReadEventsBeforeStart(t *testing.T) {
	c := NewWSClient("", []string{"BTCUSDT"}, zerolog.Nop())
	if _, err := c.ReadEvents(); err == nil {
		t.Error("expected StreamError before Start")
	}
}
