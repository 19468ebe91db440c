// Package expr implements a small, sandboxed expression interpreter used by
// transformer nodes. Scripts are lists of "target = expression" assignments
// evaluated against a scope that exposes only the pipeline's data, state, and
// the node's config, never host code or ambient process state.
package expr

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// LookupFunc resolves variable references encountered in expressions.
type LookupFunc func(path string) (any, bool)

// Scope is the read/write environment a script runs against.
type Scope interface {
	Lookup(path string) (any, bool)
	Assign(path string, value any) error
}

var (
	// ErrSyntax indicates the expression could not be parsed.
	ErrSyntax = errors.New("expression syntax error")
	// ErrUnknownIdentifier indicates a referenced variable is not available in scope.
	ErrUnknownIdentifier = errors.New("unknown identifier")
	// ErrTypeMismatch indicates the expression attempted an unsupported type coercion.
	ErrTypeMismatch = errors.New("type mismatch")
)

// Options control evaluator behaviour.
type Options struct {
	Timeout time.Duration
}

// Evaluator parses and evaluates expressions and scripts.
type Evaluator struct {
	timeout time.Duration
}

// NewEvaluator constructs an Evaluator applying sane defaults.
func NewEvaluator(opts Options) *Evaluator {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Millisecond
	}
	return &Evaluator{timeout: timeout}
}

// Evaluate determines whether the supplied expression evaluates to true.
func (e *Evaluator) Evaluate(ctx context.Context, expression string, lookup LookupFunc) (bool, error) {
	value, err := e.EvaluateValue(ctx, expression, lookup)
	if err != nil {
		return false, err
	}
	boolValue, ok := value.(bool)
	if !ok {
		return false, fmt.Errorf("%w: expression does not evaluate to boolean", ErrTypeMismatch)
	}
	return boolValue, nil
}

// EvaluateValue evaluates the expression and returns its value.
func (e *Evaluator) EvaluateValue(ctx context.Context, expression string, lookup LookupFunc) (any, error) {
	if lookup == nil {
		return nil, fmt.Errorf("%w: lookup function is required", ErrSyntax)
	}

	expression = strings.TrimSpace(expression)
	if expression == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrSyntax)
	}

	if ctx == nil {
		ctx = context.Background()
	}
	var cancel context.CancelFunc
	if e.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}

	l := newLexer(expression)
	p := newParser(ctx, l)
	root, err := p.parseExpression()
	if err != nil {
		return nil, err
	}
	if err := p.expect(tokenEOF); err != nil {
		return nil, err
	}

	return root.Eval(ctx, lookup)
}

// Script is a compiled sequence of assignment statements.
type Script struct {
	stmts []assignStmt
}

type assignStmt struct {
	target string
	value  node
	source string
}

// CompileScript parses each line as "target = expression". The compiled form
// is immutable and safe for concurrent Run calls against distinct scopes.
func (e *Evaluator) CompileScript(lines []string) (*Script, error) {
	stmts := make([]assignStmt, 0, len(lines))

	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		l := newLexer(line)
		p := newParser(context.Background(), l)

		if p.cur.typ != tokenIdentifier {
			return nil, fmt.Errorf("%w: line %d: assignment target must be an identifier", ErrSyntax, i+1)
		}
		target := p.cur.literal
		p.nextToken()

		if p.cur.typ != tokenAssign {
			return nil, fmt.Errorf("%w: line %d: expected '=' after %q", ErrSyntax, i+1, target)
		}
		p.nextToken()

		value, err := p.parseExpression()
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}
		if err := p.expect(tokenEOF); err != nil {
			return nil, fmt.Errorf("line %d: %w", i+1, err)
		}

		stmts = append(stmts, assignStmt{target: target, value: value, source: line})
	}

	if len(stmts) == 0 {
		return nil, fmt.Errorf("%w: script has no statements", ErrSyntax)
	}
	return &Script{stmts: stmts}, nil
}

// Run executes the script's assignments in order against the scope. Later
// statements observe the effects of earlier ones.
func (s *Script) Run(ctx context.Context, scope Scope) error {
	if scope == nil {
		return fmt.Errorf("%w: scope is required", ErrSyntax)
	}
	for _, stmt := range s.stmts {
		if err := checkContext(ctx); err != nil {
			return err
		}
		value, err := stmt.value.Eval(ctx, scope.Lookup)
		if err != nil {
			return fmt.Errorf("%q: %w", stmt.source, err)
		}
		if err := scope.Assign(stmt.target, value); err != nil {
			return fmt.Errorf("%q: %w", stmt.source, err)
		}
	}
	return nil
}

// --- Lexer ---

type tokenType int

type token struct {
	typ     tokenType
	literal string
}

const (
	tokenIllegal tokenType = iota
	tokenEOF
	tokenIdentifier
	tokenNumber
	tokenString
	tokenBool
	tokenAnd
	tokenOr
	tokenNot
	tokenEq
	tokenNeq
	tokenGt
	tokenGte
	tokenLt
	tokenLte
	tokenLParen
	tokenRParen
	tokenMinus
	tokenPlus
	tokenStar
	tokenSlash
	tokenPercent
	tokenAssign
)

func (t tokenType) String() string {
	switch t {
	case tokenIllegal:
		return "illegal"
	case tokenEOF:
		return "eof"
	case tokenIdentifier:
		return "identifier"
	case tokenNumber:
		return "number"
	case tokenString:
		return "string"
	case tokenBool:
		return "bool"
	case tokenAnd:
		return "&&"
	case tokenOr:
		return "||"
	case tokenNot:
		return "!"
	case tokenEq:
		return "=="
	case tokenNeq:
		return "!="
	case tokenGt:
		return ">"
	case tokenGte:
		return ">="
	case tokenLt:
		return "<"
	case tokenLte:
		return "<="
	case tokenLParen:
		return "("
	case tokenRParen:
		return ")"
	case tokenMinus:
		return "-"
	case tokenPlus:
		return "+"
	case tokenStar:
		return "*"
	case tokenSlash:
		return "/"
	case tokenPercent:
		return "%"
	case tokenAssign:
		return "="
	default:
		return "unknown"
	}
}

type lexer struct {
	input  string
	length int
	pos    int
}

func newLexer(input string) *lexer {
	return &lexer{input: input, length: len(input)}
}

func (l *lexer) nextToken() token {
	l.skipWhitespace()
	if l.pos >= l.length {
		return token{typ: tokenEOF}
	}

	ch := l.input[l.pos]

	switch ch {
	case '(':
		l.pos++
		return token{typ: tokenLParen, literal: "("}
	case ')':
		l.pos++
		return token{typ: tokenRParen, literal: ")"}
	case '!':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenNeq, literal: "!="}
		}
		l.pos++
		return token{typ: tokenNot, literal: "!"}
	case '=':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenEq, literal: "=="}
		}
		l.pos++
		return token{typ: tokenAssign, literal: "="}
	case '>':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenGte, literal: ">="}
		}
		l.pos++
		return token{typ: tokenGt, literal: ">"}
	case '<':
		if l.peek() == '=' {
			l.pos += 2
			return token{typ: tokenLte, literal: "<="}
		}
		l.pos++
		return token{typ: tokenLt, literal: "<"}
	case '&':
		if l.peek() == '&' {
			l.pos += 2
			return token{typ: tokenAnd, literal: "&&"}
		}
	case '|':
		if l.peek() == '|' {
			l.pos += 2
			return token{typ: tokenOr, literal: "||"}
		}
	case '-':
		l.pos++
		return token{typ: tokenMinus, literal: "-"}
	case '+':
		l.pos++
		return token{typ: tokenPlus, literal: "+"}
	case '*':
		l.pos++
		return token{typ: tokenStar, literal: "*"}
	case '/':
		l.pos++
		return token{typ: tokenSlash, literal: "/"}
	case '%':
		l.pos++
		return token{typ: tokenPercent, literal: "%"}
	case '\'', '"':
		return l.scanString()
	}

	if isDigit(ch) {
		return l.scanNumber()
	}
	if isIdentifierStart(ch) {
		return l.scanIdentifier()
	}

	return token{typ: tokenIllegal, literal: string(ch)}
}

func (l *lexer) skipWhitespace() {
	for l.pos < l.length {
		switch l.input[l.pos] {
		case ' ', '\t', '\n', '\r':
			l.pos++
		default:
			return
		}
	}
}

func (l *lexer) peek() byte {
	if l.pos+1 >= l.length {
		return 0
	}
	return l.input[l.pos+1]
}

func (l *lexer) advance() byte {
	if l.pos >= l.length {
		return 0
	}
	ch := l.input[l.pos]
	l.pos++
	return ch
}

func (l *lexer) scanNumber() token {
	start := l.pos
	hasDot := false

	for l.pos < l.length {
		ch := l.input[l.pos]
		if ch == '.' {
			if hasDot {
				break
			}
			hasDot = true
			l.pos++
			continue
		}
		if !isDigit(ch) {
			break
		}
		l.pos++
	}

	return token{typ: tokenNumber, literal: l.input[start:l.pos]}
}

func (l *lexer) scanIdentifier() token {
	start := l.pos
	for l.pos < l.length {
		if isIdentifierPart(l.input[l.pos]) {
			l.pos++
			continue
		}
		break
	}
	literal := l.input[start:l.pos]
	switch strings.ToLower(literal) {
	case "true", "false":
		return token{typ: tokenBool, literal: literal}
	}
	return token{typ: tokenIdentifier, literal: literal}
}

func (l *lexer) scanString() token {
	quote := l.advance()
	var builder strings.Builder
	escaped := false

	for l.pos < l.length {
		ch := l.advance()
		if escaped {
			switch ch {
			case 'n':
				builder.WriteByte('\n')
			case 't':
				builder.WriteByte('\t')
			case 'r':
				builder.WriteByte('\r')
			default:
				builder.WriteByte(ch)
			}
			escaped = false
			continue
		}
		if ch == '\\' {
			escaped = true
			continue
		}
		if ch == quote {
			return token{typ: tokenString, literal: builder.String()}
		}
		builder.WriteByte(ch)
	}

	return token{typ: tokenIllegal, literal: "unterminated string"}
}

func isDigit(ch byte) bool {
	return ch >= '0' && ch <= '9'
}

func isIdentifierStart(ch byte) bool {
	return (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || ch == '_' || ch == '$'
}

func isIdentifierPart(ch byte) bool {
	switch {
	case isIdentifierStart(ch):
		return true
	case ch >= '0' && ch <= '9':
		return true
	case ch == '.', ch == '-', ch == ':':
		return true
	}
	return false
}

// --- Parser ---
//
// Precedence, loosest first: || , && , comparisons, + - , * / % , unary.

type parser struct {
	ctx  context.Context
	lex  *lexer
	cur  token
	peek token
}

func newParser(ctx context.Context, lex *lexer) *parser {
	p := &parser{ctx: ctx, lex: lex}
	p.nextToken()
	p.nextToken()
	return p
}

func (p *parser) nextToken() {
	p.cur = p.peek
	p.peek = p.lex.nextToken()
}

func (p *parser) parseExpression() (node, error) {
	return p.parseOr()
}

func (p *parser) parseOr() (node, error) {
	left, err := p.parseAnd()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenOr {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseAnd()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseAnd() (node, error) {
	left, err := p.parseComparison()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenAnd {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseComparison()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseComparison() (node, error) {
	left, err := p.parseAdditive()
	if err != nil {
		return nil, err
	}
	for {
		switch p.cur.typ {
		case tokenEq, tokenNeq, tokenGt, tokenGte, tokenLt, tokenLte:
			op := p.cur.typ
			p.nextToken()
			right, err := p.parseAdditive()
			if err != nil {
				return nil, err
			}
			left = &binaryExpr{op: op, left: left, right: right}
		default:
			return left, nil
		}
	}
}

func (p *parser) parseAdditive() (node, error) {
	left, err := p.parseMultiplicative()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenPlus || p.cur.typ == tokenMinus {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseMultiplicative()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseMultiplicative() (node, error) {
	left, err := p.parseUnary()
	if err != nil {
		return nil, err
	}
	for p.cur.typ == tokenStar || p.cur.typ == tokenSlash || p.cur.typ == tokenPercent {
		op := p.cur.typ
		p.nextToken()
		right, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		left = &binaryExpr{op: op, left: left, right: right}
	}
	return left, nil
}

func (p *parser) parseUnary() (node, error) {
	switch p.cur.typ {
	case tokenNot, tokenMinus, tokenPlus:
		op := p.cur.typ
		p.nextToken()
		operand, err := p.parseUnary()
		if err != nil {
			return nil, err
		}
		return &unaryExpr{op: op, operand: operand}, nil
	}
	return p.parsePrimary()
}

func (p *parser) parsePrimary() (node, error) {
	if err := checkContext(p.ctx); err != nil {
		return nil, err
	}

	tok := p.cur
	switch tok.typ {
	case tokenIdentifier:
		p.nextToken()
		return &identifierExpr{name: tok.literal}, nil
	case tokenNumber:
		p.nextToken()
		value, err := strconv.ParseFloat(tok.literal, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid number %q", ErrSyntax, tok.literal)
		}
		return &literalExpr{value: value}, nil
	case tokenString:
		p.nextToken()
		return &literalExpr{value: tok.literal}, nil
	case tokenBool:
		p.nextToken()
		return &literalExpr{value: strings.EqualFold(tok.literal, "true")}, nil
	case tokenLParen:
		p.nextToken()
		exprNode, err := p.parseExpression()
		if err != nil {
			return nil, err
		}
		if err := p.expect(tokenRParen); err != nil {
			return nil, err
		}
		p.nextToken()
		return exprNode, nil
	default:
		return nil, fmt.Errorf("%w: unexpected token %q", ErrSyntax, tok.literal)
	}
}

func (p *parser) expect(expected tokenType) error {
	if p.cur.typ == tokenIllegal {
		return fmt.Errorf("%w: %s", ErrSyntax, p.cur.literal)
	}
	if p.cur.typ != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrSyntax, expected.String(), p.cur.typ.String())
	}
	return nil
}

// --- AST Nodes ---

type node interface {
	Eval(ctx context.Context, lookup LookupFunc) (any, error)
}

type binaryExpr struct {
	op    tokenType
	left  node
	right node
}

type unaryExpr struct {
	op      tokenType
	operand node
}

type identifierExpr struct {
	name string
}

type literalExpr struct {
	value any
}

func (n *binaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	leftVal, err := n.left.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	// Short-circuit logical operators before evaluating the right side.
	switch n.op {
	case tokenAnd:
		leftBool, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if !leftBool {
			return false, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	case tokenOr:
		leftBool, err := toBool(leftVal)
		if err != nil {
			return nil, err
		}
		if leftBool {
			return true, nil
		}
		rightVal, err := n.right.Eval(ctx, lookup)
		if err != nil {
			return nil, err
		}
		return toBool(rightVal)
	}

	rightVal, err := n.right.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}

	switch n.op {
	case tokenEq:
		return equals(leftVal, rightVal)
	case tokenNeq:
		eq, err := equals(leftVal, rightVal)
		if err != nil {
			return nil, err
		}
		return !eq, nil
	case tokenGt, tokenGte, tokenLt, tokenLte:
		return compare(leftVal, rightVal, n.op)
	case tokenPlus:
		return add(leftVal, rightVal)
	case tokenMinus, tokenStar, tokenSlash, tokenPercent:
		return arithmetic(leftVal, rightVal, n.op)
	default:
		return nil, fmt.Errorf("%w: unsupported binary operator", ErrSyntax)
	}
}

func (n *unaryExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	value, err := n.operand.Eval(ctx, lookup)
	if err != nil {
		return nil, err
	}
	switch n.op {
	case tokenNot:
		boolVal, err := toBool(value)
		if err != nil {
			return nil, err
		}
		return !boolVal, nil
	case tokenMinus:
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary - expects numeric operand", ErrTypeMismatch)
		}
		return -number, nil
	case tokenPlus:
		number, ok := toFloat(value)
		if !ok {
			return nil, fmt.Errorf("%w: unary + expects numeric operand", ErrTypeMismatch)
		}
		return number, nil
	default:
		return nil, fmt.Errorf("%w: unsupported unary operator", ErrSyntax)
	}
}

func (n *identifierExpr) Eval(ctx context.Context, lookup LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	if value, ok := lookup(n.name); ok {
		return value, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownIdentifier, n.name)
}

func (n *literalExpr) Eval(ctx context.Context, _ LookupFunc) (any, error) {
	if err := checkContext(ctx); err != nil {
		return nil, err
	}
	return n.value, nil
}

// --- Helpers ---

func checkContext(ctx context.Context) error {
	if ctx == nil {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return nil
	}
}

func toBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	default:
		return false, fmt.Errorf("%w: expected boolean, got %T", ErrTypeMismatch, value)
	}
}

func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int8:
		return float64(v), true
	case int16:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case uint:
		return float64(v), true
	case uint8:
		return float64(v), true
	case uint16:
		return float64(v), true
	case uint32:
		return float64(v), true
	case uint64:
		return float64(v), true
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return parsed, true
		}
	default:
	}
	return 0, false
}

// add is + with string concatenation when both sides are strings.
func add(left, right any) (any, error) {
	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		return ls + rs, nil
	}

	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if lok && rok {
		return lf + rf, nil
	}

	return nil, fmt.Errorf("%w: cannot add %T and %T", ErrTypeMismatch, left, right)
}

func arithmetic(left, right any, op tokenType) (any, error) {
	lf, lok := toFloat(left)
	rf, rok := toFloat(right)
	if !lok || !rok {
		return nil, fmt.Errorf("%w: %s expects numeric operands, got %T and %T", ErrTypeMismatch, op.String(), left, right)
	}

	switch op {
	case tokenMinus:
		return lf - rf, nil
	case tokenStar:
		return lf * rf, nil
	case tokenSlash:
		if rf == 0 {
			return nil, fmt.Errorf("%w: division by zero", ErrTypeMismatch)
		}
		return lf / rf, nil
	case tokenPercent:
		if rf == 0 {
			return nil, fmt.Errorf("%w: modulo by zero", ErrTypeMismatch)
		}
		return math.Mod(lf, rf), nil
	default:
		return nil, fmt.Errorf("%w: unsupported arithmetic operator", ErrSyntax)
	}
}

func equals(left, right any) (bool, error) {
	if left == nil || right == nil {
		return left == right, nil
	}

	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			return lf == rf, nil
		}
	}

	switch l := left.(type) {
	case string:
		if r, ok := right.(string); ok {
			return l == r, nil
		}
	case bool:
		if r, ok := right.(bool); ok {
			return l == r, nil
		}
	}

	return false, fmt.Errorf("%w: cannot compare %T and %T", ErrTypeMismatch, left, right)
}

func compare(left, right any, op tokenType) (bool, error) {
	if lf, ok := toFloat(left); ok {
		if rf, ok := toFloat(right); ok {
			switch op {
			case tokenGt:
				return lf > rf, nil
			case tokenGte:
				return lf >= rf, nil
			case tokenLt:
				return lf < rf, nil
			case tokenLte:
				return lf <= rf, nil
			}
		}
	}

	ls, leftIsString := left.(string)
	rs, rightIsString := right.(string)
	if leftIsString && rightIsString {
		switch op {
		case tokenGt:
			return ls > rs, nil
		case tokenGte:
			return ls >= rs, nil
		case tokenLt:
			return ls < rs, nil
		case tokenLte:
			return ls <= rs, nil
		}
	}

	return false, fmt.Errorf("%w: cannot apply comparator to %T and %T", ErrTypeMismatch, left, right)
}
