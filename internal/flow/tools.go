package flow

import (
	"github.com/openai/openai-go"
	"github.com/openai/openai-go/shared"

	"github.com/TDXCORE/FullStackAgent2025/internal/models"
)

func functionTool(name models.ToolName, description string, properties map[string]interface{}, required ...string) openai.ChatCompletionToolParam {
	params := shared.FunctionParameters{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		params["required"] = required
	}
	return openai.ChatCompletionToolParam{
		Type: "function",
		Function: shared.FunctionDefinitionParam{
			Name:        string(name),
			Description: openai.String(description),
			Parameters:  params,
		},
	}
}

func stringProp(description string) map[string]interface{} {
	return map[string]interface{}{"type": "string", "description": description}
}

// ToolDefinitions returns the functions offered to the model on every turn.
func ToolDefinitions() []openai.ChatCompletionToolParam {
	return []openai.ChatCompletionToolParam{
		functionTool(models.ToolProcessConsent,
			"Registra si el prospecto acepta el procesamiento de sus datos personales.",
			map[string]interface{}{
				"response": stringProp("Respuesta del prospecto, por ejemplo 'sí' o 'no'"),
			}, "response"),
		functionTool(models.ToolSavePersonalData,
			"Guarda los datos de contacto del prospecto.",
			map[string]interface{}{
				"name":    stringProp("Nombre completo"),
				"company": stringProp("Empresa, si la indicó"),
				"email":   stringProp("Correo electrónico"),
				"phone":   stringProp("Número de teléfono"),
			}, "name", "email", "phone"),
		functionTool(models.ToolSaveBANTData,
			"Guarda las respuestas de calificación BANT: presupuesto, autoridad, necesidad y plazo.",
			map[string]interface{}{
				"budget":    stringProp("Presupuesto disponible"),
				"authority": stringProp("Rol en la decisión de compra"),
				"need":      stringProp("Necesidad o problema a resolver"),
				"timeline":  stringProp("Plazo esperado para el proyecto"),
			}, "budget", "authority", "need", "timeline"),
		functionTool(models.ToolSaveRequirements,
			"Guarda los requerimientos técnicos del proyecto.",
			map[string]interface{}{
				"app_type":      stringProp("Tipo de aplicación (web, móvil, escritorio, etc.)"),
				"core_features": stringProp("Funcionalidades principales separadas por comas"),
				"integrations":  stringProp("Integraciones necesarias separadas por comas"),
				"deadline":      stringProp("Fecha límite del proyecto"),
			}, "app_type", "core_features"),
		functionTool(models.ToolGetAvailableSlots,
			"Consulta los horarios disponibles para una reunión. Acepta expresiones como 'mañana', 'próximo lunes', '15 de mayo' o '15/05/2025'.",
			map[string]interface{}{
				"preferred_date": stringProp("Fecha preferida por el prospecto; omitir para mostrar la primera disponibilidad"),
			}),
		functionTool(models.ToolScheduleMeeting,
			"Agenda una reunión de consultoría en la fecha y hora elegidas por el prospecto.",
			map[string]interface{}{
				"email": stringProp("Correo del asistente"),
				"date":  stringProp("Fecha de la reunión, por ejemplo '15/05/2025' o 'próximo lunes'"),
				"time":  stringProp("Hora de la reunión, por ejemplo '14:30' o '3pm'"),
				"duration": map[string]interface{}{
					"type":        "integer",
					"description": "Duración en minutos (por defecto 60)",
				},
			}, "email"),
		functionTool(models.ToolRescheduleMeeting,
			"Reprograma una reunión existente a una nueva fecha y hora.",
			map[string]interface{}{
				"meeting_id": stringProp("ID de la reunión"),
				"new_date":   stringProp("Nueva fecha"),
				"new_time":   stringProp("Nueva hora"),
				"duration": map[string]interface{}{
					"type":        "integer",
					"description": "Nueva duración en minutos; omitir para conservar la actual",
				},
			}, "meeting_id", "new_date", "new_time"),
		functionTool(models.ToolFindMeetings,
			"Busca reuniones en el calendario por texto del asunto.",
			map[string]interface{}{
				"subject_contains": stringProp("Texto que debe contener el asunto"),
			}, "subject_contains"),
		functionTool(models.ToolCancelMeeting,
			"Cancela una reunión existente.",
			map[string]interface{}{
				"meeting_id": stringProp("ID de la reunión"),
			}, "meeting_id"),
	}
}
