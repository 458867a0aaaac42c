package model

// DefaultButtons is the operational button catalog used when the configuration does not provide one.
var DefaultButtons = []OperationalButton{
	{ID: "1", Name: "Operando", Visible: true},
	{ID: "2", Name: "Deslocamento", Visible: true},
	{ID: "3", Name: "Carregamento", Visible: true},
	{ID: "4", Name: "Umectação", Visible: true},
	{ID: "5", Name: "Descarga", Visible: true},
	{ID: "6", Name: "Aguardando Apanhador de Água", Visible: true},
	{ID: "7", Name: "Abastecimento de Água", Visible: true},
	{ID: "8", Name: "Manutenção Corretiva", Visible: true},
	{ID: "9", Name: "Manutenção Preventiva", Visible: true},
	{ID: "10", Name: "Aguardando Orientação", Visible: true},
	{ID: "11", Name: "Disponível", Visible: true},
	{ID: "12", Name: "Indisponível", Visible: true},
	{ID: "13", Name: "Condições Climáticas Ruins", Visible: true},
	{ID: "14", Name: "Refeição", Visible: true},
	{ID: "15", Name: "CheckList", Visible: true},
	{ID: "16", Name: "Parada Particular", Visible: true},
	{ID: "17", Name: "Limpeza", Visible: true},
}

// ButtonsForProfile filters the catalog down to the profile's active buttons and applies
// its name overrides. Catalog order is preserved. A profile without active ids gets every
// visible button.
func ButtonsForProfile(catalog []OperationalButton, p Profile) []OperationalButton {
	active := make(map[string]struct{}, len(p.ActiveButtonIDs))
	for _, id := range p.ActiveButtonIDs {
		active[id] = struct{}{}
	}

	buttons := make([]OperationalButton, 0, len(catalog))
	for _, b := range catalog {
		if !b.Visible {
			continue
		}
		if len(active) > 0 {
			if _, ok := active[b.ID]; !ok {
				continue
			}
		}
		if name, ok := p.NameOverrides[b.ID]; ok && name != "" {
			b.Name = name
		}
		buttons = append(buttons, b)
	}
	return buttons
}
