package terminal

import "strings"

// Frame types.
const (
	FrameOutput = "output"
	FrameStatus = "status"
)

// Frame is one message pushed to a session's topic.
type Frame struct {
	Type     string `json:"type"`
	Content  string `json:"content"`
	ExitCode *int   `json:"exitCode,omitempty"`
}

func Output(content string) Frame {
	return Frame{Type: FrameOutput, Content: content}
}

func Status(content string, exitCode int) Frame {
	return Frame{Type: FrameStatus, Content: content, ExitCode: &exitCode}
}

// TopicPrefix is prepended to a session key to form its topic.
const TopicPrefix = "/topic/terminal/"

func Topic(key string) string {
	return TopicPrefix + key
}

// KeyFromTopic returns the session key of a terminal topic.
func KeyFromTopic(topic string) (string, bool) {
	key, ok := strings.CutPrefix(topic, TopicPrefix)
	return key, ok && key != ""
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(topic string, f Frame)

func (fn SinkFunc) Publish(topic string, f Frame) {
	fn(topic, f)
}

type fanout []Sink

func (fs fanout) Publish(topic string, f Frame) {
	for _, s := range fs {
		s.Publish(topic, f)
	}
}

// Fanout returns a sink publishing every frame to each of sinks in order.
func Fanout(sinks ...Sink) Sink {
	return fanout(sinks)
}

// Offer queues v on ch without blocking and reports how many items were
// lost. When ch is full, an item marked keep displaces the oldest queued
// item; any other item is discarded. Callers must serialize sends on ch.
func Offer[T any](ch chan T, v T, keep bool) (lost int) {
	select {
	case ch <- v:
		return 0
	default:
	}
	if !keep {
		return 1
	}
	select {
	case <-ch:
		lost = 1
	default:
	}
	select {
	case ch <- v:
	default:
		// Unbuffered channel with no reader.
		lost++
	}
	return lost
}
