// Package rules holds the deterministic first-pass detection rules and
// the merge logic that reconciles deterministic verdicts with model
// verdicts. Rules are data: a (channel, eventId) indexed table plus
// message pattern elevators that raise risk and add technique tags.
package rules

import (
	"regexp"
	"strings"

	"github.com/sentrill/sentrill/pkg/models"
)

const powerShellChannel = "Microsoft-Windows-PowerShell/Operational"

// powerShellMaxConfidence caps elevated script-block detections.
const powerShellMaxConfidence = 95

type ruleKey struct {
	Channel string
	EventID int
}

// Rule is one deterministic detection keyed by (channel, eventId).
type Rule struct {
	EventType          models.EventType
	RiskLevel          models.RiskLevel
	Confidence         int
	Summary            string
	MitreTechniques    []string
	RecommendedActions []string
	// Elevators scan the message after a base match; each hit may raise
	// risk and extend techniques and actions.
	Elevators []Elevator
}

// Elevator raises a matched rule when the message matches. Substring
// tests are case-insensitive; regex patterns are compiled with (?i).
type Elevator struct {
	Name       string
	Substrings []string
	Pattern    *regexp.Regexp
	// RaiseTo is the elevated risk; never lowers.
	RaiseTo         models.RiskLevel
	Confidence      int
	MitreTechniques []string
	Actions         []string
}

func (e Elevator) matches(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range e.Substrings {
		if strings.Contains(lower, strings.ToLower(s)) {
			return true
		}
	}
	return e.Pattern != nil && e.Pattern.MatchString(message)
}

var psSuspiciousElevator = Elevator{
	Name: "powershell-suspicious-invocation",
	Substrings: []string{
		"-encodedcommand", "-enc ", "-e ", "frombase64string",
		"invoke-expression", "iex ", "iex(", "downloadstring", "downloadfile",
		"new-object net.webclient", "bypass", "-nop", "-noprofile",
		"hidden", "invoke-shellcode",
	},
	RaiseTo:         models.RiskHigh,
	Confidence:      powerShellMaxConfidence,
	MitreTechniques: []string{"T1059.001", "T1027", "T1140"},
	Actions: []string{
		"Decode the script block and review the executed commands",
		"Isolate the host if the script content is unrecognised",
	},
}

var psOffensiveModuleElevator = Elevator{
	Name: "powershell-offensive-tooling",
	Substrings: []string{
		"invoke-mimikatz", "powersploit", "powerview", "empire",
		"bloodhound", "sharphound", "invoke-kerberoast", "dsinternals",
		"nishang", "rubeus",
	},
	RaiseTo:         models.RiskHigh,
	Confidence:      powerShellMaxConfidence,
	MitreTechniques: []string{"T1059.001", "T1003"},
	Actions: []string{
		"Treat the host as compromised and begin incident response",
	},
}

var psRule = Rule{
	EventType:  models.EventTypeScriptExecution,
	RiskLevel:  models.RiskMedium,
	Confidence: 70,
	Summary:    "PowerShell script block executed",
	MitreTechniques: []string{
		"T1059.001",
	},
	RecommendedActions: []string{
		"Review the script block content for unexpected activity",
	},
	Elevators: []Elevator{psSuspiciousElevator, psOffensiveModuleElevator},
}

// ruleTable maps (channel, eventId) to its deterministic rule. A
// successful logon (Security/4624) is deliberately absent: on its own
// it carries no risk, and classification for correlation purposes goes
// through Classify instead.
var ruleTable = map[ruleKey]Rule{
	{Channel: "Security", EventID: 4625}: {
		EventType:       models.EventTypeLogonFailure,
		RiskLevel:       models.RiskLow,
		Confidence:      60,
		Summary:         "Failed account logon",
		MitreTechniques: []string{"T1110"},
		RecommendedActions: []string{
			"Check for repeated failures from the same source",
		},
		Elevators: []Elevator{
			{
				Name:       "failed-privileged-target",
				Substrings: []string{"administrator", "admin$"},
				RaiseTo:    models.RiskMedium,
				Confidence: 75,
				Actions: []string{
					"Verify whether the privileged account is under attack",
				},
			},
		},
	},
	{Channel: "Security", EventID: 4672}: {
		EventType:       models.EventTypePrivilegedLogon,
		RiskLevel:       models.RiskMedium,
		Confidence:      65,
		Summary:         "Special privileges assigned to new logon",
		MitreTechniques: []string{"T1078"},
		RecommendedActions: []string{
			"Confirm the privileged logon maps to expected administrative activity",
		},
	},
	{Channel: "Security", EventID: 4688}: {
		EventType:  models.EventTypeProcessCreation,
		RiskLevel:  models.RiskLow,
		Confidence: 55,
		Summary:    "New process created",
		RecommendedActions: []string{
			"Review the parent process and command line",
		},
		Elevators: []Elevator{
			{
				Name: "offensive-tooling-process",
				Substrings: []string{
					"mimikatz", "psexec", "procdump", "lazagne",
					"secretsdump", "wce.exe", "pwdump",
				},
				RaiseTo:         models.RiskHigh,
				Confidence:      90,
				MitreTechniques: []string{"T1003"},
				Actions: []string{
					"Capture volatile memory before containment",
					"Isolate the host from the network",
				},
			},
			{
				Name:            "living-off-the-land",
				Pattern:         regexp.MustCompile(`(?i)\b(certutil\s+-urlcache|bitsadmin\s+/transfer|regsvr32\s+/i:http|mshta\s+http)`),
				RaiseTo:         models.RiskHigh,
				Confidence:      85,
				MitreTechniques: []string{"T1218"},
				Actions: []string{
					"Inspect the downloaded payload and its origin",
				},
			},
		},
	},
	{Channel: "Security", EventID: 4720}: {
		EventType:       models.EventTypeAccountManagement,
		RiskLevel:       models.RiskMedium,
		Confidence:      70,
		Summary:         "User account created",
		MitreTechniques: []string{"T1136.001"},
		RecommendedActions: []string{
			"Verify the account creation was authorised",
		},
	},
	{Channel: "Security", EventID: 1102}: {
		EventType:       models.EventTypeAuditLogCleared,
		RiskLevel:       models.RiskHigh,
		Confidence:      90,
		Summary:         "Audit log was cleared",
		MitreTechniques: []string{"T1070.001"},
		RecommendedActions: []string{
			"Identify who cleared the log and why",
			"Preserve forwarded copies of the cleared events",
		},
	},
	{Channel: "Security", EventID: 4698}: {
		EventType:       models.EventTypeScheduledTask,
		RiskLevel:       models.RiskMedium,
		Confidence:      65,
		Summary:         "Scheduled task created",
		MitreTechniques: []string{"T1053.005"},
		RecommendedActions: []string{
			"Review the task action and trigger for persistence attempts",
		},
		Elevators: []Elevator{
			{
				Name:       "task-runs-script-host",
				Substrings: []string{"powershell", "cmd /c", "wscript", "cscript", "rundll32"},
				RaiseTo:    models.RiskHigh,
				Confidence: 85,
				Actions: []string{
					"Extract and analyse the scripted task payload",
				},
			},
		},
	},
	{Channel: "System", EventID: 7045}: {
		EventType:       models.EventTypeServiceInstall,
		RiskLevel:       models.RiskMedium,
		Confidence:      65,
		Summary:         "New service installed",
		MitreTechniques: []string{"T1543.003"},
		RecommendedActions: []string{
			"Validate the service binary path and signer",
		},
		Elevators: []Elevator{
			{
				Name:       "service-from-writable-path",
				Substrings: []string{"\\temp\\", "\\appdata\\", "\\users\\public\\", "powershell", "cmd.exe"},
				RaiseTo:    models.RiskHigh,
				Confidence: 88,
				Actions: []string{
					"Quarantine the service binary and review its origin",
				},
			},
		},
	},
	{Channel: powerShellChannel, EventID: 4103}: psRule,
	{Channel: powerShellChannel, EventID: 4104}: psRule,
	{Channel: powerShellChannel, EventID: 4105}: psRule,
}

// classification maps (channel, eventId) pairs with no risk rule to an
// event type so correlation still sees them typed.
var classification = map[ruleKey]models.EventType{
	{Channel: "Security", EventID: 4624}: models.EventTypeLogonSuccess,
	{Channel: "Security", EventID: 4634}: models.EventTypeLogonSuccess,
	{Channel: "Security", EventID: 4648}: models.EventTypeLateralMovement,
	{Channel: "Security", EventID: 4768}: models.EventTypeCredentialAccess,
	{Channel: "Security", EventID: 4769}: models.EventTypeCredentialAccess,
	{Channel: "Security", EventID: 4719}: models.EventTypePolicyChange,
	{Channel: "Security", EventID: 4722}: models.EventTypeAccountManagement,
	{Channel: "Security", EventID: 4726}: models.EventTypeAccountManagement,
	{Channel: "Security", EventID: 4732}: models.EventTypeAccountManagement,
}

// Classify returns the event type for a raw event whether or not a risk
// rule exists for it.
func Classify(event models.LogEvent) models.EventType {
	key := ruleKey{Channel: event.Channel, EventID: event.EventID}
	if rule, ok := ruleTable[key]; ok {
		return rule.EventType
	}
	if t, ok := classification[key]; ok {
		return t
	}
	return models.EventTypeUnknown
}
