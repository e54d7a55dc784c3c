package feed

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/papertrade/pkg/models"
)

var ErrMalformedMessage = errors.New("malformed feed message")

type MessageKind int

const (
	// MessageControl covers subscription acks and symbols outside the universe.
	MessageControl MessageKind = iota
	MessageTicker
	MessageBook
)

// Message is one normalized feed frame. Skipped counts batch rows dropped
// for an unusable price; the rest of the batch is still delivered.
type Message struct {
	Kind    MessageKind
	Ticks   []models.PriceTick
	Book    *models.BookDelta
	Skipped int
}

// Normalizer maps the provider's combined-stream frames onto the internal
// schema. Provider symbols are base+quote ("BTCUSDT"); internal symbols are
// the base token ("BTC").
type Normalizer struct {
	quote   string
	symbols []string
	byPair  map[string]string
}

func NewNormalizer(quote string, symbols []string) *Normalizer {
	quote = strings.ToUpper(quote)
	n := &Normalizer{
		quote:  quote,
		byPair: make(map[string]string, len(symbols)),
	}
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if s == quote {
			continue
		}
		n.symbols = append(n.symbols, s)
		n.byPair[s+quote] = s
	}
	return n
}

func (n *Normalizer) Quote() string { return n.quote }

// Symbols returns the tracked base tokens, excluding the quote currency.
func (n *Normalizer) Symbols() []string {
	out := make([]string, len(n.symbols))
	copy(out, n.symbols)
	return out
}

// Pair returns the provider pair name for a base token.
func (n *Normalizer) Pair(symbol string) string {
	return strings.ToUpper(symbol) + n.quote
}

// Streams lists the channel names for the whole universe: one mini-ticker and
// one depth channel per symbol. Partial-depth channels exist only for 5, 10
// and 20 levels; any other depth subscribes to the diff channel.
func (n *Normalizer) Streams(depthLevels int) []string {
	streams := make([]string, 0, 2*len(n.symbols))
	for _, s := range n.symbols {
		pair := strings.ToLower(n.Pair(s))
		streams = append(streams, pair+"@miniTicker")
		switch depthLevels {
		case 5, 10, 20:
			streams = append(streams, fmt.Sprintf("%s@depth%d@100ms", pair, depthLevels))
		default:
			streams = append(streams, pair+"@depth@100ms")
		}
	}
	return streams
}

type envelope struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
	ID     *int64          `json:"id"`
	Error  *struct {
		Code int    `json:"code"`
		Msg  string `json:"msg"`
	} `json:"error"`
}

type miniTicker struct {
	Event     string `json:"e"`
	EventTime int64  `json:"E"`
	Symbol    string `json:"s"`
	Close     string `json:"c"`
	Open      string `json:"o"`
	Volume    string `json:"v"`
}

type depthPayload struct {
	Event        string     `json:"e"`
	EventTime    int64      `json:"E"`
	Symbol       string     `json:"s"`
	LastUpdateID int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
	DiffBids     [][]string `json:"b"`
	DiffAsks     [][]string `json:"a"`
}

// Parse normalizes one raw frame. Errors wrap ErrMalformedMessage.
func (n *Normalizer) Parse(raw []byte) (Message, error) {
	if bytes.HasPrefix(bytes.TrimSpace(raw), []byte("[")) {
		return n.parseTickers(raw)
	}

	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	if env.Error != nil {
		return Message{}, fmt.Errorf("%w: provider error %d: %s", ErrMalformedMessage, env.Error.Code, env.Error.Msg)
	}
	if env.ID != nil {
		return Message{Kind: MessageControl}, nil
	}

	data := env.Data
	if len(data) == 0 {
		// Raw (non-combined) endpoint: the frame is the payload.
		data = raw
	}

	switch {
	case strings.Contains(env.Stream, "@miniTicker"), bytes.HasPrefix(bytes.TrimSpace(data), []byte("[")):
		return n.parseTickers(data)
	case strings.Contains(env.Stream, "@depth"):
		return n.parseDepth(env.Stream, data)
	}

	var head struct {
		Event string `json:"e"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	switch head.Event {
	case "24hrMiniTicker":
		return n.parseTickers(data)
	case "depthUpdate":
		return n.parseDepth("", data)
	}
	return Message{}, fmt.Errorf("%w: unrecognized frame", ErrMalformedMessage)
}

func (n *Normalizer) parseTickers(data []byte) (Message, error) {
	var batch []miniTicker
	isBatch := bytes.HasPrefix(bytes.TrimSpace(data), []byte("["))
	if isBatch {
		if err := json.Unmarshal(data, &batch); err != nil {
			return Message{}, fmt.Errorf("%w: ticker batch: %v", ErrMalformedMessage, err)
		}
	} else {
		var one miniTicker
		if err := json.Unmarshal(data, &one); err != nil {
			return Message{}, fmt.Errorf("%w: ticker: %v", ErrMalformedMessage, err)
		}
		batch = []miniTicker{one}
	}

	var (
		ticks   = make([]models.PriceTick, 0, len(batch))
		skipped int
		lastErr error
	)
	for _, mt := range batch {
		symbol, ok := n.byPair[strings.ToUpper(mt.Symbol)]
		if !ok {
			continue
		}
		price, err := parsePositive(mt.Close)
		if err != nil {
			lastErr = fmt.Errorf("%w: %s close price: %v", ErrMalformedMessage, mt.Symbol, err)
			if !isBatch {
				return Message{}, lastErr
			}
			skipped++
			continue
		}
		ticks = append(ticks, models.PriceTick{
			Symbol:    symbol,
			Price:     price,
			UpdatedAt: eventTime(mt.EventTime),
		})
	}
	if len(ticks) == 0 {
		if lastErr != nil {
			return Message{}, lastErr
		}
		return Message{Kind: MessageControl}, nil
	}
	return Message{Kind: MessageTicker, Ticks: ticks, Skipped: skipped}, nil
}

func (n *Normalizer) parseDepth(stream string, data []byte) (Message, error) {
	var p depthPayload
	if err := json.Unmarshal(data, &p); err != nil {
		return Message{}, fmt.Errorf("%w: depth: %v", ErrMalformedMessage, err)
	}

	pair := p.Symbol
	if pair == "" && stream != "" {
		pair = stream[:strings.Index(stream, "@")]
	}
	if pair == "" {
		return Message{}, fmt.Errorf("%w: depth frame without symbol", ErrMalformedMessage)
	}
	symbol, ok := n.byPair[strings.ToUpper(pair)]
	if !ok {
		return Message{Kind: MessageControl}, nil
	}

	delta := &models.BookDelta{
		Symbol:    symbol,
		Snapshot:  p.Event != "depthUpdate",
		Timestamp: eventTime(p.EventTime),
	}

	bids, asks := p.Bids, p.Asks
	if !delta.Snapshot {
		bids, asks = p.DiffBids, p.DiffAsks
	}
	var err error
	if delta.Bids, err = parseLevels(bids); err != nil {
		return Message{}, fmt.Errorf("%w: %s bids: %v", ErrMalformedMessage, symbol, err)
	}
	if delta.Asks, err = parseLevels(asks); err != nil {
		return Message{}, fmt.Errorf("%w: %s asks: %v", ErrMalformedMessage, symbol, err)
	}

	return Message{Kind: MessageBook, Book: delta}, nil
}

func parseLevels(raw [][]string) ([]models.PriceLevel, error) {
	levels := make([]models.PriceLevel, 0, len(raw))
	for _, entry := range raw {
		if len(entry) < 2 {
			return nil, fmt.Errorf("level has %d fields", len(entry))
		}
		price, err := parsePositive(entry[0])
		if err != nil {
			return nil, err
		}
		size, err := strconv.ParseFloat(entry[1], 64)
		if err != nil || !(size >= 0) || math.IsInf(size, 1) {
			return nil, fmt.Errorf("invalid size %q", entry[1])
		}
		levels = append(levels, models.PriceLevel{Price: price, Size: size})
	}
	return levels, nil
}

func parsePositive(s string) (float64, error) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, err
	}
	if !(v > 0) || math.IsInf(v, 1) {
		return 0, fmt.Errorf("non-positive or non-finite value %q", s)
	}
	return v, nil
}

func eventTime(ms int64) time.Time {
	if ms <= 0 {
		return time.Now()
	}
	return time.UnixMilli(ms)
}
