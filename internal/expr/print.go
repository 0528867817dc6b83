package expr

import (
	"fmt"
	"strings"
)

func render(a *Arena, id ID) string {
	if a == nil || id == 0 {
		return "<null>"
	}
	var sb strings.Builder
	writeNode(&sb, a, id)
	return sb.String()
}

func writeNode(sb *strings.Builder, a *Arena, id ID) {
	n := a.node(id)
	switch n.kind {
	case KindBVConst:
		fmt.Fprintf(sb, "(_ bv%s %d)", n.value.String(), n.width)
	case KindBVVar, KindBoolVar, KindArrayVar:
		sb.WriteString(n.name)
	case KindBoolConst:
		if n.value.Sign() != 0 {
			sb.WriteString("true")
		} else {
			sb.WriteString("false")
		}
	case KindBVExtract:
		fmt.Fprintf(sb, "((_ extract %d %d) ", n.aux+n.width-1, n.aux)
		writeNode(sb, a, n.args[0])
		sb.WriteByte(')')
	case KindBVZeroExt, KindBVSignExt:
		fmt.Fprintf(sb, "((_ %s %d) ", n.kind, n.width-a.node(n.args[0]).width)
		writeNode(sb, a, n.args[0])
		sb.WriteByte(')')
	case KindBVApply:
		sb.WriteByte('(')
		sb.WriteString(n.name)
		for _, arg := range n.args {
			sb.WriteByte(' ')
			writeNode(sb, a, arg)
		}
		sb.WriteByte(')')
	case KindForall:
		sb.WriteString("(forall (")
		for i, v := range n.args[1:] {
			if i > 0 {
				sb.WriteByte(' ')
			}
			writeNode(sb, a, v)
		}
		sb.WriteString(") ")
		writeNode(sb, a, n.args[0])
		if len(n.pats) > 0 {
			sb.WriteString(" :pattern (")
			for i, p := range n.pats {
				if i > 0 {
					sb.WriteByte(' ')
				}
				writeNode(sb, a, p)
			}
			sb.WriteByte(')')
		}
		sb.WriteByte(')')
	default:
		sb.WriteByte('(')
		sb.WriteString(n.kind.String())
		for _, arg := range n.args {
			sb.WriteByte(' ')
			writeNode(sb, a, arg)
		}
		sb.WriteByte(')')
	}
}
