package brain

import (
	"context"
	"fmt"
	"math/rand/v2"
	"regexp"
	"strings"
	"sync"
	"time"
)

const (
	DefaultCannedMinDelay = 500 * time.Millisecond
	DefaultCannedMaxDelay = 1500 * time.Millisecond
)

var greetingPattern = regexp.MustCompile(`\b(hello|hi|hey)\b`)

// Canned simulates a model by answering from a fixed set of replies after a
// random think time.
type Canned struct {
	minDelay time.Duration
	maxDelay time.Duration
	now      func() time.Time

	mu  sync.Mutex
	rng *rand.Rand
}

func NewCanned(minDelay, maxDelay time.Duration, seed uint64) *Canned {
	if minDelay < 0 {
		minDelay = 0
	}
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Canned{
		minDelay: minDelay,
		maxDelay: maxDelay,
		now:      time.Now,
		rng:      rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
	}
}

func (c *Canned) Generate(ctx context.Context, query string) (string, error) {
	timer := time.NewTimer(c.delay())
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case <-timer.C:
	}
	return c.Reply(query), nil
}

func (c *Canned) delay() time.Duration {
	span := c.maxDelay - c.minDelay
	if span <= 0 {
		return c.minDelay
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.minDelay + time.Duration(c.rng.Int64N(int64(span)+1))
}

func (c *Canned) pick(options ...string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return options[c.rng.IntN(len(options))]
}

// Reply returns the canned answer for query without waiting.
func (c *Canned) Reply(query string) string {
	q := strings.ToLower(strings.TrimSpace(query))
	switch {
	case greetingPattern.MatchString(q):
		return "Hello there! How can I assist you today?"
	case strings.Contains(q, "how are you"):
		return "I'm functioning optimally, ready to help!"
	case strings.Contains(q, "your name"):
		return "You can call me Gemini Live. I'm a conversational assistant."
	case strings.Contains(q, "weather"):
		return fmt.Sprintf("The weather in %s is currently %s with a temperature around %s.",
			c.pick("San Francisco", "London", "Tokyo", "Sydney"),
			c.pick("sunny", "cloudy", "rainy", "windy"),
			c.pick("18°C", "12°C", "22°C", "28°C"))
	case strings.Contains(q, "swiftui"):
		return "SwiftUI is Apple's modern declarative framework for building UIs across all Apple platforms. It emphasizes state-driven views and composition."
	case strings.Contains(q, "swift"):
		return "Swift is a powerful and intuitive programming language created by Apple for building apps for iOS, Mac, Apple TV, and Apple Watch. It's known for safety, speed, and modern features."
	case strings.Contains(q, "set timer") || strings.Contains(q, "start timer") || strings.Contains(q, "set a timer"):
		return fmt.Sprintf("Okay, I've set a timer for %s. I'll notify you.", c.pick("5 minutes", "10 minutes", "1 minute"))
	case strings.Contains(q, "time"):
		return fmt.Sprintf("The current time is %s.", c.now().Format("3:04:05 PM"))
	case strings.Contains(q, "a*") || strings.Contains(q, "astar") || strings.Contains(q, "pathfinding"):
		return "A* (pronounced A-star) is a popular pathfinding algorithm used in games and navigation. It efficiently finds the shortest path by using a heuristic function to estimate the cost to the goal."
	case strings.Contains(q, "fun fact") || strings.Contains(q, "tell me something interesting"):
		return c.pick(
			"Did you know? Honey never spoils. Archaeologists have found pots of honey in ancient Egyptian tombs that are over 3,000 years old and still perfectly edible.",
			"Interesting fact: A group of flamingos is called a 'flamboyance'.",
			"Here's one: Octopuses have three hearts. Two pump blood through the gills, and one circulates blood to the rest of the body. They also have blue blood!",
			"Random fact: Bananas are berries, but strawberries aren't!",
		)
	case strings.Contains(q, "ios development trends"):
		return "Current iOS trends include the increasing adoption of SwiftUI and Combine, advancements in ARKit and Core ML, focus on privacy features, widgets, App Clips, and enhanced concurrency with async/await."
	case strings.Contains(q, "joke"):
		return c.pick(
			"Why don't scientists trust atoms? Because they make up everything!",
			"What do you call fake spaghetti? An impasta!",
			"Why did the scarecrow win an award? Because he was outstanding in his field!",
		)
	case len([]rune(q)) < 5:
		return "Could you please elaborate a bit more?"
	}
	return c.pick(
		"That's an interesting question. Could you tell me more?",
		"I'm still learning. Can you rephrase that?",
		fmt.Sprintf("I understand you said: '%s'. I'm ready for your next command.", strings.TrimSpace(query)),
		"Got it. What else can I help you with?",
		"Acknowledged.",
	)
}
