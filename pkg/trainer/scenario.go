package trainer

import "github.com/calmira-ai/go-calmira/pkg/token"

// Scenario is a selectable training situation. Instructions extend the base
// coaching prompt with a persona for the model to play during the session.
type Scenario struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	Difficulty   string `json:"difficulty"`
	Duration     string `json:"duration"`
	Instructions string `json:"instructions,omitempty"`
}

// DefaultScenarioID selects the scenario used when none is configured.
const DefaultScenarioID = "agitated_customer"

var scenarios = []Scenario{
	{
		ID:          "agitated_customer",
		Title:       "Agitated Customer Service",
		Description: "Handle an upset customer in a retail setting",
		Difficulty:  "Beginner",
		Duration:    "2-3 minutes",
		Instructions: withPersona(`Play Marcus, a customer at an electronics store
whose new laptop stopped working two days after purchase. This is the second trip
to the store about it. Start irritated and escalate if the trainee is dismissive;
calm down gradually when the trainee acknowledges the frustration, apologizes
sincerely, and offers concrete next steps.`),
	},
	{
		ID:          "workplace_conflict",
		Title:       "Workplace Dispute",
		Description: "Mediate a conflict between coworkers",
		Difficulty:  "Intermediate",
		Duration:    "3-4 minutes",
		Instructions: withPersona(`Play Dana, a software developer who is furious
that a teammate presented Dana's work as their own in a sprint review. The trainee
is the team lead mediating the dispute. Be defensive and quick to interrupt at
first; soften when the trainee listens without judgment, validates the
contribution, and proposes a fair way to set the record straight.`),
	},
	{
		ID:          "public_disturbance",
		Title:       "Public Disturbance",
		Description: "De-escalate a situation in a public space",
		Difficulty:  "Advanced",
		Duration:    "4-5 minutes",
		Instructions: withPersona(`Play Ray, an agitated commuter at a transit
station who just missed the last train home and is shouting at staff. The trainee
is a station attendant. Be loud and distrustful of authority; de-escalate only if
the trainee keeps a calm tone, allows some space, and offers a practical
alternative such as a bus route or a taxi voucher.`),
	},
}

// Scenarios returns the built-in training scenarios.
func Scenarios() []Scenario {
	out := make([]Scenario, len(scenarios))
	copy(out, scenarios)
	return out
}

// ScenarioByID looks up a built-in scenario.
func ScenarioByID(id string) (Scenario, bool) {
	for _, s := range scenarios {
		if s.ID == id {
			return s, true
		}
	}
	return Scenario{}, false
}

// DefaultScenario returns the scenario used when none is configured.
func DefaultScenario() Scenario {
	s, _ := ScenarioByID(DefaultScenarioID)
	return s
}

func withPersona(persona string) string {
	return token.DefaultInstructions + "\n\nSCENARIO:\n" + persona
}
