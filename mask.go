package guard

// MaskValue applies the decision's default-on mask rule for tag. A nil
// decision, an unknown tag or an opt-in rule returns raw unchanged.
func MaskValue(d *Decision, tag string, raw any) any {
	rule, ok := d.MaskRule(tag)
	if !ok || !rule.AppliesByDefault {
		return raw
	}
	return applyRule(d, rule, raw)
}

// MaskValueExplicit applies the rule for tag whether or not it is on by
// default. Used for fields a serializer explicitly marks as sensitive.
func MaskValueExplicit(d *Decision, tag string, raw any) any {
	rule, ok := d.MaskRule(tag)
	if !ok {
		return raw
	}
	return applyRule(d, rule, raw)
}

func applyRule(d *Decision, rule FieldMaskRule, raw any) any {
	if raw == nil {
		return raw
	}
	if d.Action.Satisfies(rule.UnmaskAction) {
		return raw
	}
	return rule.MaskTemplate
}

// MaskRecord returns a copy of record with every field listed in fieldTags
// passed through MaskValue. record is not modified.
func MaskRecord(d *Decision, record map[string]any, fieldTags map[string]string) map[string]any {
	out := make(map[string]any, len(record))
	for field, v := range record {
		if tag, ok := fieldTags[field]; ok {
			v = MaskValue(d, tag, v)
		}
		out[field] = v
	}
	return out
}
