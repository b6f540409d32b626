package stats

import (
	"fmt"
	"strings"

	"github.com/DataDog/datadog-go/statsd"
	"github.com/burrowhq/burrow/log"
)

type Stats struct {
	client statsd.ClientInterface
	logger *log.Logger

	prefix string
	tags   Tags
}

type Tags map[string]any

func New(client statsd.ClientInterface, logger *log.Logger) Stats {
	return Stats{
		client: client,
		logger: logger,
		tags:   Tags{},
	}
}

func (s Stats) WithPrefix(new string) Stats {
	s.prefix = joinPrefixes(s.prefix, new)
	return s
}

func (s Stats) WithTags(tags Tags) Stats {
	s.tags = mergeTags([]Tags{s.tags, tags})
	return s
}

func (s Stats) Count(name string, value int64, tags Tags, rate float64) {
	s.client.Count(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) Incr(name string, tags Tags, rate float64) {
	s.client.Incr(joinPrefixes(s.prefix, name), convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

func (s Stats) Gauge(name string, value float64, tags Tags, rate float64) {
	s.client.Gauge(joinPrefixes(s.prefix, name), value, convertTags(mergeTags([]Tags{s.tags, tags})), rate)
}

// SimpleEvent reports a named event with no additional context.
func (s Stats) SimpleEvent(title string) {
	s.event(statsd.NewEvent(joinPrefixes(s.prefix, title), ""), nil)
}

// ErrorEvent reports an error-level event.
func (s Stats) ErrorEvent(title string, err error) {
	s.event(&statsd.Event{
		Title:     joinPrefixes(s.prefix, title),
		Text:      err.Error(),
		AlertType: statsd.Error,
	}, Tags{"error": err.Error()})
}

func (s Stats) event(event *statsd.Event, tags Tags) {
	merged := mergeTags([]Tags{s.tags, tags})
	event.Tags = convertTags(merged)
	s.client.Event(event)

	fields := make([]interface{}, 0, len(merged)*2)
	for k, v := range merged {
		fields = append(fields, k, v)
	}
	if event.AlertType == statsd.Error {
		s.logger.With(fields...).Error(event.Title)
	} else {
		s.logger.With(fields...).Info(event.Title)
	}
}

func joinPrefixes(prefixes ...string) string {
	newPrefixes := []string{}
	for _, v := range prefixes {
		if v != "" {
			newPrefixes = append(newPrefixes, v)
		}
	}
	return strings.Join(newPrefixes, ".")
}

func mergeTags(tags []Tags) Tags {
	mergedTags := make(Tags, 0)
	for _, tagGroup := range tags {
		if tagGroup == nil {
			continue
		}
		for k, v := range tagGroup {
			if v == nil {
				continue
			}
			mergedTags[k] = v
		}
	}
	return mergedTags
}

func convertTags(tags Tags) []string {
	var newTags []string
	for k, v := range tags {
		newTags = append(newTags, fmt.Sprintf("%s:%v", k, v))
	}
	return newTags
}
