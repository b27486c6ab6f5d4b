package team

// DefaultFile is written when no team file exists yet.
func DefaultFile() *File {
	return &File{
		Teams: []Definition{
			{
				Name:        "data_collection",
				Description: "Collects source material and raw data for a task",
				Agents: []AgentSpec{
					{Name: "web_search", Factory: "web_search"},
					{Name: "data_analyst", Factory: "data_analyst"},
				},
				MaxSteps:            15,
				TerminationKeywords: []string{DefaultTerminationKeyword},
			},
			{
				Name:        "analysis",
				Description: "Analyses the task and derives insights",
				Agents: []AgentSpec{
					{Name: "analysis", Factory: "analysis"},
					{Name: "insight", Factory: "insight"},
				},
				MaxSteps:            20,
				TerminationKeywords: []string{DefaultTerminationKeyword},
			},
			{
				Name:        "validation",
				Description: "Challenges and summarises the findings",
				Agents: []AgentSpec{
					{Name: "devil_advocate", Factory: "devil_advocate"},
					{Name: "summary", Factory: "summary"},
				},
				MaxSteps:            15,
				TerminationKeywords: []string{DefaultTerminationKeyword},
			},
			{
				Name:        "master",
				Description: "Synthesises the results of the other teams",
				Agents: []AgentSpec{
					{Name: "master_analyst", Factory: "analysis"},
				},
				MaxSteps:            10,
				TerminationKeywords: []string{DefaultTerminationKeyword},
			},
		},
		Workflows: []Workflow{
			{
				Name:        "standard_analysis",
				Description: "Collect, analyse and validate in parallel, then synthesise",
				Teams:       []string{"data_collection", "analysis", "validation"},
				Strategy:    StrategyParallel,
				Master:      "master",
				TaskTemplates: map[string]string{
					"data_collection": "Collect the data needed for the following task: {main_task}",
					"analysis":        "Analyse the following task: {main_task}",
					"validation":      "Validate and summarise the results of the following task: {main_task}",
					"master":          "Combine the following team results into a final report:\n{sub_results}",
				},
				OnError: OnErrorContinue,
			},
		},
	}
}
