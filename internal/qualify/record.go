// Package qualify maintains the lead-qualification record of a call.
//
// A [Coordinator] collects finalized transcript entries into a bounded
// history and drives background extraction passes through an [Extractor].
// Results are merged into the [Record]; every accepted change appends one
// [LogEntry] to the audit log. Tool calls from the remote model take the
// same merge path through [Coordinator.ApplyUpdate].
package qualify

import (
	"fmt"
	"maps"
)

// Kind is the value type of a record field.
type Kind int

const (
	// KindString fields hold trimmed free text.
	KindString Kind = iota
	// KindInt fields hold a non-negative integer.
	KindInt
)

// Field describes one record field.
type Field struct {
	Name        string
	Kind        Kind
	Description string
}

// Record field names.
const (
	FieldNomeCompleto      = "nome_completo"
	FieldCargo             = "cargo"
	FieldEmpresa           = "empresa"
	FieldEmail             = "email"
	FieldTelefone          = "telefone"
	FieldSegmento          = "segmento_empresa"
	FieldTotalFuncionarios = "total_funcionarios_empresa"
	FieldFaturamentoAnual  = "faturamento_anual"
	FieldPrincipalDesafio  = "principal_desafio"
	FieldOrcamento         = "orcamento_disponivel"
	FieldPrazoDecisao      = "prazo_decisao"
	FieldDecisor           = "decisor"
)

// Metadata keys the extractor reports alongside the fields. They are never
// written to the record.
const (
	MetaConfidence = "analysis_confidence"
	MetaNotes      = "notes"
)

// Schema lists every record field in presentation order.
var Schema = []Field{
	{FieldNomeCompleto, KindString, "Nome completo do contato"},
	{FieldCargo, KindString, "Cargo ou função do contato na empresa"},
	{FieldEmpresa, KindString, "Nome da empresa"},
	{FieldEmail, KindString, "E-mail de contato"},
	{FieldTelefone, KindString, "Telefone de contato"},
	{FieldSegmento, KindString, "Segmento ou setor de atuação da empresa"},
	{FieldTotalFuncionarios, KindInt, "Número total de funcionários da empresa"},
	{FieldFaturamentoAnual, KindString, "Faturamento anual aproximado"},
	{FieldPrincipalDesafio, KindString, "Principal desafio ou dor relatada"},
	{FieldOrcamento, KindString, "Orçamento disponível para a solução"},
	{FieldPrazoDecisao, KindString, "Prazo para tomada de decisão ou implementação"},
	{FieldDecisor, KindString, "Se o contato é o decisor da compra"},
}

var schemaIndex = func() map[string]Field {
	idx := make(map[string]Field, len(Schema))
	for _, f := range Schema {
		idx[f.Name] = f
	}
	return idx
}()

// Lookup returns the schema entry for name.
func Lookup(name string) (Field, bool) {
	f, ok := schemaIndex[name]
	return f, ok
}

// Record holds the current value of every schema field. String fields start
// as "" and integer fields as 0. The zero Record is empty; use [NewRecord].
type Record struct {
	values map[string]any
}

// NewRecord returns a Record with every field at its zero value.
func NewRecord() Record {
	r := Record{values: make(map[string]any, len(Schema))}
	for _, f := range Schema {
		r.values[f.Name] = zeroOf(f.Kind)
	}
	return r
}

// Get returns the value of field and whether field exists.
func (r Record) Get(field string) (any, bool) {
	v, ok := r.values[field]
	return v, ok
}

// String returns a string field, or "" for unknown or integer fields.
func (r Record) String(field string) string {
	s, _ := r.values[field].(string)
	return s
}

// Int returns an integer field, or 0 for unknown or string fields.
func (r Record) Int(field string) int {
	n, _ := r.values[field].(int)
	return n
}

// Map returns a copy of the field values.
func (r Record) Map() map[string]any {
	return maps.Clone(r.values)
}

// Clone returns a deep copy of r.
func (r Record) Clone() Record {
	return Record{values: maps.Clone(r.values)}
}

// Filled returns the names of fields holding a non-zero value, in schema
// order.
func (r Record) Filled() []string {
	var out []string
	for _, f := range Schema {
		if !isZero(r.values[f.Name]) {
			out = append(out, f.Name)
		}
	}
	return out
}

// Complete reports whether every field holds a non-zero value.
func (r Record) Complete() bool {
	return len(r.Filled()) == len(Schema)
}

// set stores v without validation. Callers go through merge.
func (r *Record) set(field string, v any) {
	if r.values == nil {
		*r = NewRecord()
	}
	r.values[field] = v
}

func zeroOf(k Kind) any {
	if k == KindInt {
		return 0
	}
	return ""
}

func isZero(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case int:
		return x == 0
	default:
		return false
	}
}

// FieldNames returns the schema field names in order.
func FieldNames() []string {
	names := make([]string, len(Schema))
	for i, f := range Schema {
		names[i] = f.Name
	}
	return names
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	default:
		return fmt.Sprint(x)
	}
}
