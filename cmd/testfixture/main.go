// Command testfixture writes a JSONL event log with a few weeks
// of synthetic support traffic, for demos and manual testing of
// the import and report paths.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/rand/v2"
	"os"
	"time"

	"github.com/talkmetrics/talkmetrics/internal/testjsonl"
)

type agentSpec struct {
	id, name, department string
}

var agents = []agentSpec{
	{"u-ann", "Ann", "d-sales"},
	{"u-bob", "Bob", "d-sales"},
	{"u-cid", "Cid", "d-support"},
	{"u-dee", "Dee", "d-support"},
}

var messageTypes = []string{"text", "text", "text", "audio_call"}

const (
	accountID = "acme"
	tsLayout  = "2006-01-02T15:04:05Z"
)

func main() {
	out := flag.String("out", "", "output JSONL path")
	days := flag.Int("days", 14, "number of days of traffic")
	perDay := flag.Int("per-day", 40, "conversations per day")
	seed := flag.Uint64("seed", 1, "random seed")
	flag.Parse()
	if *out == "" {
		fmt.Fprintln(os.Stderr, "usage: testfixture -out <path> [-days N] [-per-day N]")
		os.Exit(1)
	}

	end := time.Now().UTC().Truncate(24 * time.Hour)
	start := end.AddDate(0, 0, -*days)
	content := generate(rand.New(rand.NewPCG(*seed, *seed)), start, *days, *perDay)

	if err := os.WriteFile(*out, []byte(content), 0o644); err != nil {
		log.Fatalf("writing fixture: %v", err)
	}
	fmt.Printf("Wrote %d days x %d conversations to %s\n", *days, *perDay, *out)
}

func ts(t time.Time) string { return t.UTC().Format(tsLayout) }

func generate(rng *rand.Rand, start time.Time, days, perDay int) string {
	b := testjsonl.NewEventBuilder().
		AddAccount(accountID, "Europe/Berlin").
		AddDepartment("d-sales", accountID, "Sales").
		AddDepartment("d-support", accountID, "Support")
	for _, a := range agents {
		b.AddUser(a.id, accountID, a.name, a.department)
	}

	n := 0
	for d := range days {
		day := start.AddDate(0, 0, d)
		shiftStart := day.Add(8 * time.Hour)
		for _, a := range agents {
			b.AddUserEvent(a.id, "subscribe", ts(shiftStart))
			lunch := shiftStart.Add(4 * time.Hour)
			b.AddUserEvent(a.id, "away", ts(lunch))
			b.AddUserEvent(a.id, "online", ts(lunch.Add(30*time.Minute)))
			b.AddUserEvent(a.id, "unsubscribe", ts(shiftStart.Add(8*time.Hour)))
		}

		for range perDay {
			n++
			id := fmt.Sprintf("conv-%05d", n)
			agent := agents[rng.IntN(len(agents))]
			opened := shiftStart.Add(time.Duration(rng.IntN(8*3600)) * time.Second)
			wait := time.Duration(5+rng.IntN(90)) * time.Second
			talk := time.Duration(60+rng.IntN(900)) * time.Second

			attrs := map[string]any{"widget_id": "w-main"}
			if rng.IntN(5) == 0 {
				attrs = map[string]any{
					"social_hub": map[string]any{
						"provider": map[string]any{"name": "telegram"},
					},
				}
			}
			b.AddConversation(id, accountID, agent.department,
				fmt.Sprintf("visitor-%d", rng.IntN(perDay*days/2+1)), attrs).
				AddMessageType(id, messageTypes[rng.IntN(len(messageTypes))]).
				AddOpen(id, ts(opened))

			if rng.IntN(6) == 0 {
				b.AddClose(id, ts(opened.Add(wait)))
				continue
			}
			answered := opened.Add(wait)
			closed := answered.Add(talk)
			b.AddJoin(id, agent.id, ts(answered)).
				AddLeave(id, agent.id, ts(closed)).
				AddClose(id, ts(closed))
			if rng.IntN(3) == 0 {
				b.AddReview(id, accountID, 1+rng.IntN(5), ts(closed.Add(time.Minute)))
			}
		}
	}
	return b.String()
}
