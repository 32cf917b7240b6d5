package oracle

import (
	"strings"

	"github.com/ChuLiYu/phrase-mapper/pkg/types"
)

// ToolName is the structured-output tool the model is forced to answer through.
const ToolName = "getSubstandardKeyPhrases"

const toolDescription = "Map key phrases to substandards and return the mapping"

// toolSchema 是 tool 的 JSON schema，scratchpad 与 substandards 都是必填
func toolSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"scratchpad": map[string]any{
				"type":        "string",
				"description": "An area to note initial thoughts and the mapping process for each substandard",
			},
			"substandards": map[string]any{
				"type":        "object",
				"description": "A mapping of each substandard to its associated key phrases",
				"additionalProperties": map[string]any{
					"type":        "array",
					"description": "An array of key phrases for the substandard",
					"items": map[string]any{
						"type":        "string",
						"description": "A key phrase associated with the substandard",
					},
				},
			},
		},
		"required": []string{"scratchpad", "substandards"},
	}
}

const promptTemplate = `
You will be provided with two lists:

1. Substandards:
<substandards>
{SUBSTANDARDS}
</substandards>

2. Key Phrases:
<key_phrases>
{KEY_PHRASES}
</key_phrases>

Your task is to map each key phrase to the most relevant substandard, ensuring that all key phrases are used and each is mapped only once.

Follow these steps:

1. Carefully read and understand each substandard.
2. Examine each key phrase and determine which substandard it aligns with most closely.
3. Assign each key phrase to one substandard based on the highest relevance.
4. Ensure that each substandard receives at least one key phrase if possible.
5. If a substandard does not have any appropriate key phrases, pair it with an empty list.

Before providing your final answer, use a <scratchpad> to think through your mapping process. Consider the following:
- How each key phrase relates to the substandards
- Any challenges in mapping certain phrases
- Your reasoning for assigning phrases to specific substandards

Provide your response as a JSON object where each substandard is a key, and the value is a list of key phrases assigned to it. Each key phrase should be mapped, and each list should reflect the comprehensive use of all key phrases. The JSON object should also include a field for the "scratchpad"
Remember:
- Each key phrase should be used only once.
- All key phrases MUST be mapped.
- If a substandard has no relevant key phrases, it should have an empty list as its value.
- Ensure your JSON is properly formatted.
Begin your mapping process now.
`

// BuildPrompt renders the user prompt with both lists embedded as JSON arrays.
// The arrays are compact (["a","b"], no spaces after separators), the same
// encoding the output CSV uses for its JSON columns.
func BuildPrompt(substandards, keyPhrases []string) (string, error) {
	subs, err := types.MarshalCompact(nonNil(substandards))
	if err != nil {
		return "", err
	}
	phrases, err := types.MarshalCompact(nonNil(keyPhrases))
	if err != nil {
		return "", err
	}
	r := strings.NewReplacer("{SUBSTANDARDS}", string(subs), "{KEY_PHRASES}", string(phrases))
	return r.Replace(promptTemplate), nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
