package canonical

// ToolNameByID scans backward through prior messages for the assistant tool
// call matching id and returns its function name. Encoders use this to
// reconstruct shapes (Gemini functionResponse) that reference calls by name;
// a miss means the result should degrade to plain text rather than fail the
// request.
func ToolNameByID(messages []Message, id string) string {
	for i := len(messages) - 1; i >= 0; i-- {
		msg := messages[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for _, tc := range msg.ToolCalls {
			if tc.ID == id {
				return tc.Name
			}
		}
		for _, p := range msg.Content {
			if p.Type == ContentTypeToolUse && p.ToolUse != nil && p.ToolUse.ID == id {
				return p.ToolUse.Name
			}
		}
	}
	return ""
}
