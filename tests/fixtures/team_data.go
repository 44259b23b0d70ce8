package fixtures

import (
	"fmt"
	"math/rand"

	"collabhub/pkg/types"
)

// Team is a generated set of back-office administrators
type Team struct {
	Members []types.Identity
}

var firstNames = []string{"Ana", "Ben", "Chloe", "Dev", "Elif", "Femi", "Greta", "Hugo", "Ines", "Jun"}

// GenerateTeam creates n administrators with unique ids and readable names
func GenerateTeam(n int) *Team {
	team := &Team{Members: make([]types.Identity, n)}
	for i := 0; i < n; i++ {
		team.Members[i] = types.Identity{
			UserID:      fmt.Sprintf("admin_%d", i+1),
			DisplayName: fmt.Sprintf("%s %d", firstNames[i%len(firstNames)], i+1),
		}
	}
	return team
}

// Member returns the i-th administrator
func (t *Team) Member(i int) types.Identity {
	return t.Members[i]
}

var documentTypes = []string{"case_study", "event", "evidence", "school", "resource"}

// RandomDocument picks a document key from a small pool so contention is likely
func RandomDocument(r *rand.Rand, pool int) types.DocumentKey {
	return types.DocumentKey{
		Type: documentTypes[r.Intn(len(documentTypes))],
		ID:   fmt.Sprintf("%d", r.Intn(pool)+1),
	}
}
