package permission

import "github.com/context-exchange/cex/internal/models"

// ContractLevels holds the default outbound and inbound level for one
// category under a contract preset.
type ContractLevels struct {
	Outbound string `json:"level"`
	Inbound  string `json:"inbound_level"`
}

// DefaultContract is used when an invite is accepted without naming one.
const DefaultContract = "friends"

// Contracts are the permission presets applied to both users when a
// connection is formed. Sensitive categories start bidirectionally
// restrictive; low-sensitivity categories are only opened on the
// inbound side.
var Contracts = map[string]map[string]ContractLevels{
	"friends": {
		CategorySchedule:  {models.LevelAuto, models.LevelAuto},
		CategoryProjects:  {models.LevelAsk, models.LevelAuto},
		CategoryKnowledge: {models.LevelAsk, models.LevelAuto},
		CategoryRequests:  {models.LevelAsk, models.LevelAsk},
		CategoryPersonal:  {models.LevelAsk, models.LevelAsk},
	},
	"coworkers": {
		CategorySchedule:  {models.LevelAuto, models.LevelAuto},
		CategoryProjects:  {models.LevelAuto, models.LevelAuto},
		CategoryKnowledge: {models.LevelAuto, models.LevelAuto},
		CategoryRequests:  {models.LevelAsk, models.LevelAsk},
		CategoryPersonal:  {models.LevelNever, models.LevelNever},
	},
	"casual": {
		CategorySchedule:  {models.LevelAsk, models.LevelAuto},
		CategoryProjects:  {models.LevelAsk, models.LevelAuto},
		CategoryKnowledge: {models.LevelAsk, models.LevelAuto},
		CategoryRequests:  {models.LevelAsk, models.LevelAsk},
		CategoryPersonal:  {models.LevelNever, models.LevelNever},
	},
}

// ValidContract reports whether name is a known preset.
func ValidContract(name string) bool {
	_, ok := Contracts[name]
	return ok
}

// ContractNames lists the available presets.
func ContractNames() []string {
	return []string{"casual", "coworkers", "friends"}
}
